// Command keygen generates a gateway API key and prints the hash to store in
// the api_keys table. Pass an existing key as the only argument to hash it
// instead.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/securetag/ai-gateway/internal/auth"
)

func main() {
	var apiKey string
	if len(os.Args) >= 2 {
		apiKey = os.Args[1]
	} else {
		buf := make([]byte, 24)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
			os.Exit(1)
		}
		apiKey = "sk-gw-" + hex.EncodeToString(buf)
	}

	fmt.Printf("API key:  %s\n", apiKey)
	fmt.Printf("Key hash: %s\n", auth.HashAPIKey(apiKey))
	fmt.Println("\nStore the hash in api_keys.key_hash; the raw key is never persisted.")
}
