// Command token mints a signed credential for local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
)

func main() {
	sub := flag.String("sub", "", "principal id")
	role := flag.String("role", string(models.RolePassenger), "passenger, driver or admin")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	a, err := auth.New(os.Getenv("JWT_SECRET"), *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, "JWT_SECRET:", err)
		os.Exit(2)
	}
	tok, exp, err := a.Issue(models.Principal{ID: *sub, Role: models.Role(*role)})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	fmt.Println(tok)
	fmt.Fprintln(os.Stderr, "expires", exp.Format(time.RFC3339))
}
