package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"echo-vault/internal/config"
	"echo-vault/internal/handlers"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// admin-credentials prepares admin API credentials:
//
//	-password <pw>   print a bcrypt hash for admin.passwordHash
//	-totp            print a new TOTP secret for admin.totpSecret
//	-token           print a signed admin token using the configured jwtSecret
func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	password := flag.String("password", "", "password to hash")
	newTOTP := flag.Bool("totp", false, "generate a TOTP secret")
	token := flag.Bool("token", false, "issue an admin token")
	flag.Parse()

	if *password == "" && !*newTOTP && !*token {
		flag.Usage()
		os.Exit(2)
	}
	fmt.Println(strings.Repeat("=", 60))

	if *password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash password: %v", err)
		}
		fmt.Println("ADMIN_PASSWORD_HASH:")
		fmt.Println(string(hash))
		fmt.Println()
	}

	if *newTOTP {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      "Echo Vault Admin",
			AccountName: "admin@enclave",
			Period:      30,
			Digits:      otp.DigitsSix,
			Algorithm:   otp.AlgorithmSHA1,
		})
		if err != nil {
			log.Fatalf("Failed to generate TOTP secret: %v", err)
		}
		fmt.Println("ADMIN_TOTP_SECRET:")
		fmt.Println(key.Secret())
		fmt.Println("Authenticator URL:")
		fmt.Println(key.URL())
		fmt.Println()
	}

	if *token {
		cfg, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		quiet := logrus.New()
		quiet.SetLevel(logrus.ErrorLevel)
		auth := handlers.NewAdminAuthHandler(cfg.Admin, quiet)
		signed, expiresAt, err := auth.GenerateToken(cfg.Admin.Username)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println("Admin token:")
		fmt.Println(signed)
		fmt.Printf("Expires: %s\n", expiresAt.UTC())
		fmt.Println()
		fmt.Printf("curl -X POST -H 'Authorization: Bearer %s' http://%s/api/admin/persist\n", signed, cfg.ListenAddr())
	}
	fmt.Println(strings.Repeat("=", 60))
}
