package state

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"SAID-Chain/internal/address"
	xerrors "SAID-Chain/internal/errors"
	"SAID-Chain/internal/events"
	"SAID-Chain/internal/record"

	"github.com/go-sql-driver/mysql"
)

const (
	mysqlDuplicateEntry = 1062
	mysqlOutOfRange     = 1690
	mysqlDeadlock       = 1213
)

const (
	queryLoadRecord          = `SELECT data FROM records WHERE address = ?`
	queryLoadRecordForUpdate = `SELECT data FROM records WHERE address = ? FOR UPDATE`
	queryInsertRecord        = `INSERT INTO records (address, kind, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`
	queryUpdateRecord        = `UPDATE records SET data = ?, updated_at = ? WHERE address = ?`

	queryLoadBalance          = `SELECT amount FROM balances WHERE address = ?`
	queryLoadBalanceForUpdate = `SELECT amount FROM balances WHERE address = ? FOR UPDATE`
	queryUpsertBalance        = `INSERT INTO balances (address, amount) VALUES (?, ?) ON DUPLICATE KEY UPDATE amount = VALUES(amount)`
	queryCreditBalance        = `INSERT INTO balances (address, amount) VALUES (?, ?) ON DUPLICATE KEY UPDATE amount = amount + VALUES(amount)`

	queryLockSequence    = `SELECT last_seq FROM event_sequence WHERE id = 1 FOR UPDATE`
	queryAdvanceSequence = `UPDATE event_sequence SET last_seq = ? WHERE id = 1`
	queryInsertEvent     = `INSERT INTO events (seq, id, name, payload, occurred_at) VALUES (?, ?, ?, ?, ?)`
	queryListEvents      = `SELECT seq, id, name, payload, occurred_at FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`
)

// ledgerTxOptions 使用读已提交：加锁读取不存在的行不产生间隙锁，同一地址的并发创建由主键冲突裁决。
var ledgerTxOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// defaultEventPage 是未指定 limit 时单次返回的事件数量。
const defaultEventPage = 100

// MySQLConfig 描述 MySQL 账本的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// SkipMigrations 为 true 时不在启动时执行迁移。
	SkipMigrations bool
}

// MySQLStore 以 MySQL 行锁实现账本的事务语义。事件序号来自 event_sequence
// 计数行，该行锁持有到提交，因此序号顺序与提交顺序一致。
type MySQLStore struct {
	db   *sql.DB
	rent Rent
	now  func() time.Time
}

// NewMySQLStore 连接数据库并执行迁移。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig, rent Rent) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}
	if !cfg.SkipMigrations {
		if err := Migrate(ctx, db); err != nil {
			db.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "执行账本迁移失败")
		}
	}
	return newMySQLStoreWithDB(db, rent), nil
}

func newMySQLStoreWithDB(db *sql.DB, rent Rent) *MySQLStore {
	return &MySQLStore{db: db, rent: rent, now: time.Now}
}

// Rent 实现 Store。
func (s *MySQLStore) Rent() Rent { return s.rent }

// Update 实现 Store。
func (s *MySQLStore) Update(ctx context.Context, fn func(Tx) error) ([]events.Event, error) {
	sqlTx, err := s.db.BeginTx(ctx, ledgerTxOptions)
	if err != nil {
		return nil, storageError(err, "开启账本事务失败")
	}
	tx := &mysqlTx{store: s, tx: sqlTx, locking: true}
	if err := fn(tx); err != nil {
		sqlTx.Rollback()
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, storageError(err, "提交账本事务失败")
	}
	return tx.events, nil
}

// View 实现 Store。
func (s *MySQLStore) View(ctx context.Context, fn func(Reader) error) error {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return storageError(err, "开启只读事务失败")
	}
	defer sqlTx.Rollback()
	return fn(&mysqlTx{store: s, tx: sqlTx})
}

// Fund 实现 Store。
func (s *MySQLStore) Fund(ctx context.Context, addr address.Address, amount uint64) error {
	_, err := s.Update(ctx, func(tx Tx) error {
		return tx.(*mysqlTx).credit(ctx, addr, amount)
	})
	return err
}

// Events 实现 Store。
func (s *MySQLStore) Events(ctx context.Context, after uint64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = defaultEventPage
	}
	rows, err := s.db.QueryContext(ctx, queryListEvents, after, limit)
	if err != nil {
		return nil, storageError(err, "查询事件失败")
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			evt     events.Event
			payload string
		)
		if err := rows.Scan(&evt.Seq, &evt.ID, &evt.Name, &payload, &evt.Timestamp); err != nil {
			return nil, storageError(err, "解析事件失败")
		}
		evt.Payload = []byte(payload)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历事件失败")
	}
	return out, nil
}

// Close 实现 Store。
func (s *MySQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type mysqlTx struct {
	store   *MySQLStore
	tx      *sql.Tx
	locking bool
	events  []events.Event
}

func (t *mysqlTx) Load(ctx context.Context, addr address.Address) ([]byte, error) {
	query := queryLoadRecord
	if t.locking {
		query = queryLoadRecordForUpdate
	}
	var data []byte
	if err := t.tx.QueryRowContext(ctx, query, addr.Bytes()).Scan(&data); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageError(err, "读取记录失败")
	}
	return data, nil
}

func (t *mysqlTx) Exists(ctx context.Context, addr address.Address) (bool, error) {
	if _, err := t.Load(ctx, addr); err != nil {
		if stdErrors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t *mysqlTx) Balance(ctx context.Context, addr address.Address) (uint64, error) {
	query := queryLoadBalance
	if t.locking {
		query = queryLoadBalanceForUpdate
	}
	var amount uint64
	if err := t.tx.QueryRowContext(ctx, query, addr.Bytes()).Scan(&amount); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, storageError(err, "读取余额失败")
	}
	return amount, nil
}

// Create 先插入记录再转移租金。并发创建同一地址时，后到者阻塞在主键上，
// 先写入者提交后得到 1062。
func (t *mysqlTx) Create(ctx context.Context, payer, addr address.Address, data []byte) error {
	kind, _ := record.KindOf(data)
	now := t.store.now().Unix()
	if _, err := t.tx.ExecContext(ctx, queryInsertRecord, addr.Bytes(), string(kind), data, now, now); err != nil {
		if isMySQLError(err, mysqlDuplicateEntry) {
			return ErrAddressInUse
		}
		return storageError(err, "写入记录失败")
	}
	return t.Transfer(ctx, payer, addr, t.store.rent.MinimumBalance(len(data)))
}

func (t *mysqlTx) Save(ctx context.Context, addr address.Address, data []byte) error {
	exists, err := t.Exists(ctx, addr)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	if _, err := t.tx.ExecContext(ctx, queryUpdateRecord, data, t.store.now().Unix(), addr.Bytes()); err != nil {
		return storageError(err, "更新记录失败")
	}
	return nil
}

func (t *mysqlTx) Transfer(ctx context.Context, from, to address.Address, amount uint64) error {
	src, err := t.Balance(ctx, from)
	if err != nil {
		return err
	}
	if src < amount {
		return ErrInsufficientFunds
	}
	if from == to || amount == 0 {
		return nil
	}
	dst, err := t.Balance(ctx, to)
	if err != nil {
		return err
	}
	if _, err := addBalance(dst, amount); err != nil {
		return err
	}
	if err := t.setBalance(ctx, from, src-amount); err != nil {
		return err
	}
	return t.credit(ctx, to, amount)
}

func (t *mysqlTx) setBalance(ctx context.Context, addr address.Address, amount uint64) error {
	if _, err := t.tx.ExecContext(ctx, queryUpsertBalance, addr.Bytes(), amount); err != nil {
		return storageError(err, "写入余额失败")
	}
	return nil
}

// credit 以增量方式入账，目标行不存在时插入。
func (t *mysqlTx) credit(ctx context.Context, addr address.Address, amount uint64) error {
	if _, err := t.tx.ExecContext(ctx, queryCreditBalance, addr.Bytes(), amount); err != nil {
		if isMySQLError(err, mysqlOutOfRange) {
			return ErrBalanceOverflow
		}
		return storageError(err, "写入余额失败")
	}
	return nil
}

func (t *mysqlTx) Emit(ctx context.Context, evt events.Event) error {
	var last uint64
	if err := t.tx.QueryRowContext(ctx, queryLockSequence).Scan(&last); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return xerrors.New(xerrors.CodeStorageFailure, "事件序号计数器未初始化")
		}
		return storageError(err, "锁定事件序号失败")
	}
	seq := last + 1
	if _, err := t.tx.ExecContext(ctx, queryAdvanceSequence, seq); err != nil {
		return storageError(err, "推进事件序号失败")
	}
	if _, err := t.tx.ExecContext(ctx, queryInsertEvent, seq, evt.ID, evt.Name, string(evt.Payload), evt.Timestamp); err != nil {
		return storageError(err, "写入事件失败")
	}
	evt.Seq = seq
	t.events = append(t.events, evt)
	return nil
}

func isMySQLError(err error, number uint16) bool {
	var mysqlErr *mysql.MySQLError
	return stdErrors.As(err, &mysqlErr) && mysqlErr.Number == number
}

// storageError 包装驱动错误，死锁视为可重试。
func storageError(err error, message string) error {
	if isMySQLError(err, mysqlDeadlock) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message, xerrors.WithRetryable(true))
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
