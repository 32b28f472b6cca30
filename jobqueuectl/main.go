package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	jobqueue "github.com/mikedesigns-nvisia/Asmbli-sub015"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/mongodb"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/mysql"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/redis"
	"github.com/mikedesigns-nvisia/Asmbli-sub015/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "jobqueuectl",
		Short: "Run demo jobs and inspect job queue checkpoints",
	}
	rootCmd.PersistentFlags().String("dbtype", "sqlite", "storage type (sqlite, mysql, mongodb or redis)")
	rootCmd.PersistentFlags().String("dburl", "", "connection string or database path for the store")
	rootCmd.PersistentFlags().Bool("dbdebug", false, "enable debug output for the DB store")

	rootCmd.AddCommand(CheckpointsCmd())
	rootCmd.AddCommand(DemoCmd())
	rootCmd.AddCommand(RecoverCmd())
	rootCmd.AddCommand(StatsCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// openStore builds and starts the store selected by the persistent
// flags. The caller is responsible for closing it.
func openStore(cmd *cobra.Command) (jobqueue.Store, error) {
	dbtype, _ := cmd.Flags().GetString("dbtype")
	dburl, _ := cmd.Flags().GetString("dburl")
	dbdebug, _ := cmd.Flags().GetBool("dbdebug")

	if dburl == "" {
		return nil, fmt.Errorf("the --dburl flag is required")
	}

	var st jobqueue.Store
	var err error
	switch dbtype {
	case "sqlite":
		var options []sqlite.StoreOption
		if dbdebug {
			options = append(options, sqlite.SetDebug(true))
		}
		st, err = sqlite.NewStore(dburl, options...)
	case "mysql":
		var options []mysql.StoreOption
		if dbdebug {
			options = append(options, mysql.SetDebug(true))
		}
		st, err = mysql.NewStore(dburl, options...)
	case "mongodb":
		st, err = mongodb.NewStore(dburl)
	case "redis":
		st, err = redis.NewStore(dburl)
	default:
		return nil, fmt.Errorf("unsupported dbtype %q; use sqlite, mysql, mongodb or redis", dbtype)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Start(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
