package main

import (
	"fmt"
	"os"

	"aegisbridge/cmd/internal/secret"
	"aegisbridge/services/bridged"
)

func main() {
	// Configs that set gateway.ApiKeySecretEnv = "AEGIS_ADMIN_SECRET" resolve
	// the secret here, falling back to an interactive prompt. A resolution
	// failure is not fatal: the config may carry the secret inline or via file.
	if _, ok := os.LookupEnv("AEGIS_ADMIN_SECRET"); !ok {
		if value, err := secret.NewSource("AEGIS_ADMIN_SECRET").Get(); err == nil {
			_ = os.Setenv("AEGIS_ADMIN_SECRET", value)
		}
	}

	if err := bridged.Main(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
