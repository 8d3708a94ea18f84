package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"cowdb"
)

const usage = `usage: cowdb <command> [arguments]

commands:
  info    <db>                 print basic information about a database
  check   <db>                 run a consistency check
  dump    <db> <out> [algo]    write a logical dump (algo: none|snappy|lz4)
  restore <db> <in>            replay a logical dump into a database
  compact <src> <dst>          rewrite a database without freelist slack
`

func main() {
	log.SetFormatter(&log.TextFormatter{DisableTimestamp: true})

	if len(os.Args) < 3 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "info":
		err = runInfo(os.Args[2])
	case "check":
		err = runCheck(os.Args[2])
	case "dump":
		if len(os.Args) < 4 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		algo := cowdb.CompSnappy
		if len(os.Args) > 4 {
			if algo, err = parseAlgo(os.Args[4]); err != nil {
				log.Fatal(err)
			}
		}
		err = runDump(os.Args[2], os.Args[3], algo)
	case "restore":
		if len(os.Args) < 4 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		err = runRestore(os.Args[2], os.Args[3])
	case "compact":
		if len(os.Args) < 4 {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		err = runCompact(os.Args[2], os.Args[3])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		log.Fatal(err)
	}
}

func parseAlgo(s string) (cowdb.CompressAlgorithm, error) {
	switch s {
	case "none":
		return cowdb.CompNone, nil
	case "snappy":
		return cowdb.CompSnappy, nil
	case "lz4":
		return cowdb.CompLz4, nil
	}
	return 0, fmt.Errorf("unknown compression algorithm %q", s)
}

func runInfo(path string) error {
	db, err := cowdb.Open(path, &cowdb.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()

	info := db.Info()
	fmt.Printf("path:      %s\n", info.Path)
	fmt.Printf("page size: %d\n", info.PageSize)
	return db.View(func(tx *cowdb.Tx) error {
		fmt.Printf("txid:      %d\n", tx.ID())
		fmt.Printf("size:      %d bytes\n", tx.Size())
		var buckets int
		err := tx.ForEach(func(name []byte, _ *cowdb.Bucket) error {
			buckets++
			return nil
		})
		fmt.Printf("buckets:   %d\n", buckets)
		return err
	})
}

func runCheck(path string) error {
	db, err := cowdb.Open(path, &cowdb.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()

	return db.View(func(tx *cowdb.Tx) error {
		errs := tx.Check()
		for _, e := range errs {
			log.WithError(e).Error("consistency")
		}
		if len(errs) > 0 {
			return fmt.Errorf("%d consistency errors", len(errs))
		}
		log.Info("ok")
		return nil
	})
}

func runDump(path, out string, algo cowdb.CompressAlgorithm) error {
	db, err := cowdb.Open(path, &cowdb.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := db.Dump(f, algo); err != nil {
		_ = f.Close()
		return err
	}
	log.WithField("algo", algo.String()).Info("dump written")
	return f.Close()
}

func runRestore(path, in string) error {
	db, err := cowdb.Open(path, nil)
	if err != nil {
		return err
	}
	defer db.Close()

	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := db.Restore(f); err != nil {
		return err
	}
	log.Info("restore complete")
	return nil
}

func runCompact(src, dst string) error {
	s, err := cowdb.Open(src, &cowdb.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer s.Close()

	d, err := cowdb.Open(dst, nil)
	if err != nil {
		return err
	}
	defer d.Close()

	return s.CompactTo(d, cowdb.CompSnappy)
}
