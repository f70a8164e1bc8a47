// Command goad differentiates an infergo-style model package in
// place, the same job the teacher's own examples performed by calling
// ad.Deriv directly from a short-lived program (see
// bitbucket.org/dtolpin/infergo's own infergo tool).
package main

import (
	"os"

	"github.com/dtolpin/gotape/internal/goadcmd"
)

func main() {
	os.Exit(goadcmd.Main(os.Args[1:]))
}
