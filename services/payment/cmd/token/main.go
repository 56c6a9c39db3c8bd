// Command token mints a merchant access token signed with ACCESS_SECRET.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sakashimaa/paybank/pkg/utils"
)

func main() {
	merchant := flag.String("merchant", "", "merchant id to embed in the token")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()

	secret := utils.ParseWithFallback("ACCESS_SECRET", "")
	if secret == "" || *merchant == "" {
		flag.Usage()
		os.Exit(2)
	}

	token, err := utils.GenerateAccessToken([]byte(secret), *merchant, *ttl)
	if err != nil {
		log.Fatalf("error generating token: %v", err)
	}

	fmt.Println(token)
}
