package main

import (
	"os"

	"github.com/malbeclabs/netintel/intel/internal/admincli"
)

func main() {
	os.Exit(int(admincli.Run()))
}
