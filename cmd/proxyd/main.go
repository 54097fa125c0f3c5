package main

import (
	"log"

	"stakeproxy/services/proxyd"
)

func main() {
	if err := proxyd.Main(); err != nil {
		log.Fatalf("proxyd: %v", err)
	}
}
