// Command generate-totp creates the shared TOTP secret that guards the
// emergency pause endpoints. Put the secret in auth.emergency_totp_key and
// enroll it in an authenticator app via the printed otpauth URL.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/pquerna/otp/totp"
)

func main() {
	account := flag.String("account", "operator", "account name shown in the authenticator app")
	flag.Parse()

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "gasless-bridge",
		AccountName: *account,
	})
	if err != nil {
		log.Fatalf("Failed to generate TOTP secret: %v", err)
	}

	fmt.Printf("secret: %s\n", key.Secret())
	fmt.Printf("url:    %s\n", key.URL())
}
