// Command ssod runs the single sign-on authorization server.
package main

import (
	"os"

	"github.com/giantswarm/sso-core/cmd/ssod/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
