package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"SAID-Chain/internal/api"
	"SAID-Chain/internal/auth"
	"SAID-Chain/internal/registry"
	"SAID-Chain/internal/state"
	"SAID-Chain/pkg/logger"
	"SAID-Chain/sdk/go/said"

	"github.com/ethereum/go-ethereum/crypto"
)

func main() {
	program := registry.New(state.NewMemoryStore(state.DefaultRent()),
		registry.WithLogger(logger.Discard()),
		registry.WithAuditLogger(logger.Discard()),
	)
	server := api.NewServer(":0", program, &auth.SignatureVerifier{},
		api.WithFaucet(true),
		api.WithLogger(logger.Discard()),
		api.WithAuditLogger(logger.Discard()),
	)
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	authority := mustClient(ctx, srv)
	owner := mustClient(ctx, srv)
	reviewer := mustClient(ctx, srv)

	treasury, err := authority.InitializeTreasury(ctx)
	if err != nil {
		panic(err)
	}
	fmt.Printf("treasury %s reserve=%d\n", treasury.Address.Hex(), treasury.Reserve)

	identity, err := owner.RegisterAgent(ctx, "ipfs://demo-agent")
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered agent %s\n", identity.Address.Hex())

	rep, err := reviewer.SubmitFeedback(ctx, identity.Address, true, "delivered on time")
	if err != nil {
		panic(err)
	}
	fmt.Printf("reputation score=%d interactions=%d\n", rep.Score, rep.TotalInteractions)

	task := crypto.Keccak256Hash([]byte("demo-task"))
	verdict, err := reviewer.ValidateWork(ctx, identity.Address, task, true, "https://evidence.example/demo")
	if err != nil {
		panic(err)
	}
	fmt.Printf("validation %s passed=%v\n", verdict.Address.Hex(), verdict.Passed)
}

func mustClient(ctx context.Context, srv *httptest.Server) *said.Client {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	client, err := said.NewClient(srv.URL, key, srv.Client())
	if err != nil {
		panic(err)
	}
	principal, _ := client.Principal()
	if _, err := client.Fund(ctx, principal, 100_000_000); err != nil {
		panic(err)
	}
	return client
}
