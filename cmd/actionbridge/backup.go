package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"actionbridge/internal/config"
)

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of the config and the SQLite session database",
		Long: `Creates a compressed .tar.gz archive containing the configuration file and,
when the store driver is sqlite, the session database. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			dbPath := resolveDBPath()

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("actionbridge-backup-%s.tar.gz", ts))
			}

			var files []string
			if dbPath != "" {
				if _, err := os.Stat(dbPath); err == nil {
					files = append(files, dbPath)
					for _, suffix := range []string{"-wal", "-shm"} {
						if _, err := os.Stat(dbPath + suffix); err == nil {
							files = append(files, dbPath+suffix)
						}
					}
				}
			}
			if _, err := os.Stat(cfgPath); err == nil {
				files = append(files, cfgPath)
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (db: %q, config: %s)", dbPath, cfgPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				var size int64
				if info, err := os.Stat(f); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.actionbridge/backups/actionbridge-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore the config and session database from a backup archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			dbPath := resolveDBPath()
			if dbPath == "" {
				dbPath = filepath.Join(config.DefaultConfigDir(), "sessions.db")
			}

			if !force {
				for _, p := range []string{dbPath, cfgPath} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: %s exists and would be overwritten. Use --force to proceed.\n", p)
						return errors.New("restore aborted")
					}
				}
			}

			restored, err := extractTarGz(args[0], dbPath, cfgPath)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restore completed from: %s\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// resolveDBPath returns the SQLite database of the current config, or ""
// when the store is not sqlite.
func resolveDBPath() string {
	cfg, err := loadConfig()
	if err != nil || cfg.Store.Driver != "sqlite" {
		return ""
	}
	return config.ExpandPath(cfg.Store.DBPath)
}

func createTarGz(outputPath string, files []string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	return nil
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz maps archive members back onto dbPath and cfgPath by name.
// Unknown members are skipped.
func extractTarGz(archivePath, dbPath, cfgPath string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var target string
		base := filepath.Base(header.Name)
		switch {
		case base == "config.json":
			target = cfgPath
		case strings.HasSuffix(base, ".db"):
			target = dbPath
		case strings.HasSuffix(base, ".db-wal"):
			target = dbPath + "-wal"
		case strings.HasSuffix(base, ".db-shm"):
			target = dbPath + "-shm"
		default:
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := io.Copy(out, tarReader); err != nil {
			out.Close()
			return nil, fmt.Errorf("extract %s: %w", target, err)
		}
		out.Close()
		restored = append(restored, target)
	}
	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
