package logging

import (
	"log"
	"os"
)

var (
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	Wallet   = log.New(os.Stdout, "[wallet] ", log.LstdFlags)
	Relay    = log.New(os.Stdout, "[relay] ", log.LstdFlags)
	Ledger   = log.New(os.Stdout, "[ledger] ", log.LstdFlags)
	Snapshot = log.New(os.Stdout, "[snapshot] ", log.LstdFlags)
)
