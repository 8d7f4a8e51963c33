package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"hotspot_billing/internal/config"
	"hotspot_billing/internal/services"
)

func main() {
	grant := flag.String("grant", "", "MAC address to grant a bypass binding")
	ip := flag.String("ip", "", "IP address for -grant")
	revoke := flag.String("revoke", "", "MAC address whose bindings to remove")
	comment := flag.String("comment", "routercheck", "Comment stored on the binding")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := services.NewLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	router := services.NewRouterService(cfg.Router, logger)
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Router.Timeout)
	defer cancel()

	log.Printf("Connecting to %s as %s", cfg.Router.Address(), cfg.Router.Username)

	switch {
	case *grant != "":
		if *ip == "" {
			fmt.Println("Usage: routercheck -grant <mac> -ip <address>")
			flag.PrintDefaults()
			os.Exit(1)
		}
		if !router.Grant(ctx, *grant, *ip, *comment) {
			log.Fatalf("Grant failed for %s", *grant)
		}
		log.Printf("Granted %s (%s)", *grant, *ip)
	case *revoke != "":
		if !router.Revoke(ctx, *revoke) {
			log.Fatalf("Revoke failed for %s", *revoke)
		}
		log.Printf("Revoked %s", *revoke)
	default:
		if err := router.Ping(ctx); err != nil {
			log.Fatalf("Router unreachable: %v", err)
		}
		log.Println("Router reachable")
	}
}
