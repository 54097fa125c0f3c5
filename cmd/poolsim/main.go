package main

import (
	"log"

	"stakeproxy/services/poolsim"
)

func main() {
	if err := poolsim.Main(); err != nil {
		log.Fatalf("poolsim: %v", err)
	}
}
