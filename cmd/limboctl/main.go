// Command limboctl drives a single in-process limbo and quota for local
// experimentation: it runs a scripted scenario end to end and reports
// what the WAL recorder observed. It carries no network transport of its
// own (spec.md §6 excludes one); "replicas" in the demo are just Ack calls
// made directly from the demo loop. The command
// structure — a go-flags parser with one subcommand per operation, wired
// through a shared Config — is modeled on wordcountctl.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/fenwickdb/syncdb/config"
	"github.com/fenwickdb/syncdb/internal/clock"
	"github.com/fenwickdb/syncdb/internal/mclock"
	"github.com/fenwickdb/syncdb/limbo"
	"github.com/fenwickdb/syncdb/quota"
	"github.com/fenwickdb/syncdb/wal"
)

// Config holds process-wide flags shared by every subcommand.
var Config = new(struct {
	Log struct {
		Level string `long:"level" default:"info" description:"Logging level (debug, info, warn, error)"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func mustParseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(s)
	if err != nil {
		log.WithField("level", s).Fatal("limboctl: invalid log level")
	}
	return lvl
}

type cmdDemo struct {
	Owner          uint32        `long:"owner" default:"1" description:"Owner replica id"`
	Replicas       uint32        `long:"replicas" default:"2" description:"Number of additional replicas acking"`
	Quorum         int           `long:"quorum" default:"2" description:"Quorum size"`
	ConfirmTimeout time.Duration `long:"confirm-timeout" default:"1s" description:"Confirm timeout"`
	QuotaLimit     int64         `long:"quota-limit" default:"1048576" description:"Quota byte limit"`
	QuotaTimeout   time.Duration `long:"quota-timeout" default:"1s" description:"Quota acquisition timeout"`
	TxnSize        int64         `long:"txn-size" default:"4096" description:"Bytes reserved per transaction"`
	Count          int           `long:"count" default:"5" description:"Number of transactions to append"`
}

func (cmd *cmdDemo) Execute([]string) error {
	log.SetLevel(mustParseLevel(Config.Log.Level))

	clk := mclock.System{}
	recorder := wal.NewRecorder()
	params := config.NewStatic(config.Values{
		Quorum:         cmd.Quorum,
		ConfirmTimeout: cmd.ConfirmTimeout,
	})
	l := limbo.New(params, recorder, clk)
	defer l.Close()

	q := quota.New(cmd.QuotaLimit, func() {
		log.Warn("limboctl: quota exceeded, a real deployment would kick off reclaim here")
	}, 0, clk)
	defer q.Close()

	ctx := context.Background()
	owner := clock.ReplicaID(cmd.Owner)

	for i := 0; i < cmd.Count; i++ {
		if err := q.Use(ctx, cmd.TxnSize, cmd.QuotaTimeout); err != nil {
			return fmt.Errorf("quota.Use: %w", err)
		}

		e, err := l.Append(owner, fmt.Sprintf("txn-%d", i))
		if err != nil {
			return fmt.Errorf("limbo.Append: %w", err)
		}
		lsn := clock.LSN(i + 1)
		l.AssignLocalLSN(e, lsn)

		for r := uint32(1); r <= cmd.Replicas; r++ {
			l.Ack(clock.ReplicaID(cmd.Owner+r), lsn)
		}

		status, err := l.WaitComplete(ctx, e)
		q.Release(cmd.TxnSize)
		log.WithFields(log.Fields{
			"txn":    i,
			"lsn":    lsn,
			"status": status,
			"err":    err,
		}).Info("limboctl: transaction resolved")
	}

	for _, rec := range recorder.Records() {
		switch {
		case rec.Confirm:
			fmt.Printf("CONFIRM lsn=%d\n", rec.LSN)
		case rec.Rollback:
			fmt.Printf("ROLLBACK lsn=%d\n", rec.LSN)
		}
	}
	return nil
}

type cmdStatus struct{}

func (cmd *cmdStatus) Execute([]string) error {
	fmt.Println("limboctl: stateless in this build; run `demo` to exercise a scenario")
	return nil
}

func main() {
	parser := flags.NewParser(Config, flags.Default)

	if _, err := parser.AddCommand("demo", "Run a scripted limbo/quota scenario",
		"Appends Count transactions, acks them from a simulated replica set, "+
			"and prints every CONFIRM/ROLLBACK the WAL recorder observed.", &cmdDemo{}); err != nil {
		log.WithError(err).Fatal("limboctl: failed to add demo command")
	}
	if _, err := parser.AddCommand("status", "Print a placeholder status line", "", &cmdStatus{}); err != nil {
		log.WithError(err).Fatal("limboctl: failed to add status command")
	}

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return
		}
		log.WithError(err).Fatal("limboctl: command failed")
	}
}
