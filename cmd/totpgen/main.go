// Command totpgen prints a fresh enrollment secret and its current code
// for the admin TOTP flow, so an operator can seed RELAYER_ADMIN_TOTP_SECRET
// without running the server first.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pquerna/otp/totp"
)

func main() {
	issuer := flag.String("issuer", "relayer", "TOTP issuer name shown in the authenticator app")
	account := flag.String("account", "admin", "account name shown in the authenticator app")
	secret := flag.String("secret", os.Getenv("RELAYER_ADMIN_TOTP_SECRET"), "existing base32 secret to print the current code for, instead of generating a new one")
	flag.Parse()

	if *secret != "" {
		code, err := totp.GenerateCode(*secret, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "totpgen: generate code: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("secret: %s\ncurrent code: %s (valid ~30s)\n", *secret, code)
		return
	}

	key, err := totp.Generate(totp.GenerateOpts{Issuer: *issuer, AccountName: *account})
	if err != nil {
		fmt.Fprintf(os.Stderr, "totpgen: generate secret: %v\n", err)
		os.Exit(1)
	}
	code, err := totp.GenerateCode(key.Secret(), time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "totpgen: generate code: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("RELAYER_ADMIN_TOTP_SECRET=%s\ncurrent code: %s (valid ~30s)\nenroll URL: %s\n", key.Secret(), code, key.URL())
}
