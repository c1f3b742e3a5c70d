// market-keygen creates and inspects operator key material. Generated
// keys land in encrypted v3 keystore files; the passphrase comes from
// TERMLEND_KEYSTORE_PASSPHRASE or an interactive prompt.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"termlend/cmd/internal/passphrase"
	"termlend/crypto"
)

type keyInfo struct {
	Address         string `json:"address"`
	TreasuryAddress string `json:"treasuryAddress,omitempty"`
	KeystorePath    string `json:"keystorePath,omitempty"`
}

func main() {
	out := flag.String("out", "", "write a new encrypted keystore file at this path")
	show := flag.String("show", "", "decrypt an existing keystore file and print its address")
	treasury := flag.Bool("treasury", false, "also print the treasury form of the address")
	flag.Parse()

	if (*out == "") == (*show == "") {
		fatalf("exactly one of -out or -show is required")
	}

	secret, err := passphrase.NewSource("TERMLEND_KEYSTORE_PASSPHRASE", "keystore passphrase").Get()
	if err != nil {
		fatalf("%v", err)
	}

	var key *crypto.PrivateKey
	info := keyInfo{}
	switch {
	case *out != "":
		key, err = crypto.GeneratePrivateKey()
		if err != nil {
			fatalf("generate key: %v", err)
		}
		if err := crypto.SaveToKeystore(*out, key, secret); err != nil {
			fatalf("write keystore: %v", err)
		}
		info.KeystorePath = *out
	default:
		key, err = crypto.LoadFromKeystore(*show, secret)
		if err != nil {
			fatalf("open keystore: %v", err)
		}
	}

	addr := key.PubKey().Address()
	info.Address = addr.String()
	if *treasury {
		info.TreasuryAddress = crypto.NewAddress(crypto.TreasuryPrefix, addr.Bytes()).String()
	}

	output, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		fatalf("encode output: %v", err)
	}
	fmt.Println(string(output))
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
