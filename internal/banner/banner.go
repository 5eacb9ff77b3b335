// Package banner prints the startup banner.
package banner

import (
	"fmt"
	"io"
)

const Version = "1.0.0"

// Print writes the banner with the version and the active backends.
func Print(w io.Writer, storageMode, logBackend string) {
	banner := `
    ___                                __
   /   |  _________ ___  _______      / /   ____  ____ ______
  / /| | / ___/ __  / / / / ___/     / /   / __ \/ __  / ___/
 / ___ |/ /  / /_/ / /_/ (__  )     / /___/ /_/ / /_/ (__  )
/_/  |_/_/   \__, /\__,_/____/     /_____/\____/\__, /____/
            /____/  v%s - Log Sentinel         /____/
    `
	fmt.Fprintf(w, banner, Version)
	fmt.Fprintf(w, "\n  storage: %s  logs: %s\n", storageMode, logBackend)
	fmt.Fprintln(w, "------------------------------------------------")
}
