// cmd/adminkey/main.go
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"toolledger/internal/auth"
)

// Reads an admin key from the first argument or stdin and prints the
// environment lines that enable it.
func main() {
	key := ""
	if len(os.Args) > 1 {
		key = os.Args[1]
	} else {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			logrus.WithError(err).Fatal("read admin key")
		}
		key = line
	}
	key = strings.TrimSpace(key)
	if key == "" {
		logrus.Fatal("admin key must not be empty")
	}

	hash, salt, err := auth.HashKey(key)
	if err != nil {
		logrus.WithError(err).Fatal("hash admin key")
	}
	fmt.Printf("ADMIN_KEY_HASH=%s\nADMIN_KEY_SALT=%s\n", hash, salt)
}
