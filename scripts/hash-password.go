package main

import (
	"fmt"
	"os"

	"github.com/AndyTargino/vex-client-sdk/internal/util"
)

// Prints the bcrypt hash to use as API_TOKEN_HASH.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/hash-password.go <token>\n")
		os.Exit(1)
	}

	hash, err := util.HashPassword(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}
