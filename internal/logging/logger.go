package logging

import (
	"log"
	"os"
)

var (
	Internal = log.New(os.Stdout, "[internal] ", log.LstdFlags)
	HTTP     = log.New(os.Stdout, "[http] ", log.LstdFlags)
	Bot      = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	KV       = log.New(os.Stdout, "[kv] ", log.LstdFlags)
	Batch    = log.New(os.Stdout, "[batch] ", log.LstdFlags)
	Mirror   = log.New(os.Stdout, "[mirror] ", log.LstdFlags)
	Sched    = log.New(os.Stdout, "[sched] ", log.LstdFlags)
)
