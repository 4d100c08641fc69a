package cmds

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/borak/pkg/config"
	"github.com/go-go-golems/borak/pkg/devserver"
	"github.com/go-go-golems/borak/pkg/persistence/chatstore"
)

func NewDevserverCommand() *cobra.Command {
	var (
		addr         string
		db           string
		models       []string
		defaultModel string
		vision       []string
		chunkDelay   time.Duration
		secure       bool
	)
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run a local chat service that echoes messages, for development and demos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := chatstore.SQLiteMemoryDSN
			if db != ":memory:" {
				path := db
				if path == "" {
					dir, err := config.Dir()
					if err != nil {
						return err
					}
					if err := os.MkdirAll(dir, 0o700); err != nil {
						return err
					}
					path = filepath.Join(dir, "devserver.db")
				}
				var err error
				if dsn, err = chatstore.SQLiteDSNForFile(path); err != nil {
					return err
				}
				log.Info().Str("db", path).Msg("using sqlite database")
			}
			store, err := chatstore.NewSQLiteStore(dsn)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			srv, err := devserver.New(devserver.Options{
				Store:        store,
				Models:       models,
				DefaultModel: defaultModel,
				VisionModels: vision,
				ChunkDelay:   chunkDelay,
				SecureCookie: secure,
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8501", "Listen address")
	cmd.Flags().StringVar(&db, "db", "", "SQLite database file (default $HOME/.borak/devserver.db, \":memory:\" keeps nothing)")
	cmd.Flags().StringSliceVar(&models, "models", nil, "Models to offer (default: only the default model)")
	cmd.Flags().StringVar(&defaultModel, "default-model", devserver.DefaultModel, "Default model")
	cmd.Flags().StringSliceVar(&vision, "vision-models", devserver.DefaultVisionModels, "Vision model families")
	cmd.Flags().DurationVar(&chunkDelay, "chunk-delay", devserver.DefaultChunkDelay, "Pause between streamed chunks")
	cmd.Flags().BoolVar(&secure, "secure-cookie", false, "Mark the session cookie Secure")
	return cmd
}
