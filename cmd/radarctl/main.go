// Command radarctl operates a content radar deployment: it runs workers,
// refreshes the moments read model, applies migrations and manages jobs and
// API keys directly against the database.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
