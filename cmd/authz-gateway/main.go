package main

import (
	"log"

	"github.com/cordum/cordum-authz/core/controlplane/gateway"
	"github.com/cordum/cordum-authz/core/infra/buildinfo"
	"github.com/cordum/cordum-authz/core/infra/config"
	"github.com/cordum/cordum-authz/core/infra/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("authz gateway config: %v", err)
	}
	logging.SetLevel(cfg.LogLevel)
	buildinfo.Log(cfg.ServiceName)
	if err := gateway.Run(cfg); err != nil {
		log.Fatalf("authz gateway error: %v", err)
	}
}
