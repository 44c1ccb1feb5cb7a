package main

import (
	"log"

	"shieldrelay/services/broadcaster"
)

func main() {
	if err := broadcaster.Main(); err != nil {
		log.Fatalf("shieldrelayd: %v", err)
	}
}
