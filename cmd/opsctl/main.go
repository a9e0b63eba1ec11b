// Command opsctl administers the governance store directly: products,
// external-access capabilities, and backups. It runs against the same
// database file as opsd.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"database/sql"

	"opsplane/internal/config"
	"opsplane/internal/ids"
	"opsplane/internal/logging"
	"opsplane/internal/store"
)

const usage = `usage: opsctl [-db path] <command> [args]

commands:
  product upsert -id <id> -name <name> [-status active|paused|killed] [-risk low|normal|high]
  product list
  capability grant -group <g> -provider <p> -level 0..3 [-allow a,b] [-deny a,b] [-expires <duration>] [-approved-by g1,g2]
  capability revoke -group <g> -provider <p>
  capability list
  backup [-out <dir>]
`

// maxCapabilityTTL bounds L2/L3 grants.
const maxCapabilityTTL = 7 * 24 * time.Hour

func main() {
	os.Args = logging.Init(os.Args)

	dbPath := flag.String("db", config.EnvOrDefault("OPSPLANE_DB", "data/opsplane.db"), "SQLite database path")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}

	st, err := store.Open(store.Config{DBPath: *dbPath})
	if err != nil {
		fatal("open store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	switch args[0] {
	case "product":
		runProduct(ctx, st, args[1:])
	case "capability":
		runCapability(ctx, st, args[1:])
	case "backup":
		runBackup(st, args[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runProduct(ctx context.Context, st *store.Store, args []string) {
	if len(args) < 1 {
		fatal("product needs a subcommand: upsert, list")
	}
	switch args[0] {
	case "upsert":
		fs := flag.NewFlagSet("product upsert", flag.ExitOnError)
		id := fs.String("id", "", "product id (short slug)")
		name := fs.String("name", "", "product name")
		status := fs.String("status", "active", "active, paused, or killed")
		risk := fs.String("risk", "normal", "low, normal, or high")
		fs.Parse(args[1:]) //nolint:errcheck
		if *id == "" || *name == "" {
			fatal("product upsert requires -id and -name")
		}

		p := &store.Product{ID: *id, Name: *name, Status: *status, RiskLevel: *risk}
		err := st.WithTx(ctx, func(tx *sql.Tx) error { return st.UpsertProduct(ctx, tx, p) })
		if err != nil {
			fatal("upsert product: %v", err)
		}
		fmt.Printf("product %s upserted (status=%s risk=%s)\n", p.ID, p.Status, p.RiskLevel)

	case "list":
		products, err := st.ListProducts(ctx)
		if err != nil {
			fatal("list products: %v", err)
		}
		for _, p := range products {
			fmt.Printf("%-20s %-10s %-8s %s\n", p.ID, p.Status, p.RiskLevel, p.Name)
		}

	default:
		fatal("unknown product subcommand %q", args[0])
	}
}

func runCapability(ctx context.Context, st *store.Store, args []string) {
	if len(args) < 1 {
		fatal("capability needs a subcommand: grant, revoke, list")
	}
	switch args[0] {
	case "grant":
		fs := flag.NewFlagSet("capability grant", flag.ExitOnError)
		group := fs.String("group", "", "group folder")
		provider := fs.String("provider", "", "provider name")
		level := fs.Int("level", 0, "access level 0..3")
		allow := fs.String("allow", "", "comma-separated allowed actions")
		deny := fs.String("deny", "", "comma-separated denied actions")
		expires := fs.Duration("expires", 0, "time to expiry (required for level >= 2, max 168h)")
		approvedBy := fs.String("approved-by", "", "comma-separated approver groups (level 3 needs two distinct)")
		fs.Parse(args[1:]) //nolint:errcheck

		if *group == "" || *provider == "" {
			fatal("capability grant requires -group and -provider")
		}
		if *level < 0 || *level > 3 {
			fatal("level must be 0..3")
		}
		if *level >= 2 {
			if *expires <= 0 {
				fatal("level %d grants require -expires", *level)
			}
			if *expires > maxCapabilityTTL {
				fatal("expiry must be at most %s for level >= 2", maxCapabilityTTL)
			}
		}

		now := time.Now()
		approvers := splitList(*approvedBy)
		if *level == 3 {
			// High-risk grants need two distinct prior sign-offs.
			recordApprovers(ctx, st, *group, *provider, approvers, now)
			distinct, err := st.CountDistinctCapabilityApprovers(ctx, *group, *provider)
			if err != nil {
				fatal("count approvers: %v", err)
			}
			if distinct < 2 {
				fatal("level 3 grants require two prior approvals from distinct groups (have %d)", distinct)
			}
		}

		c := &store.Capability{
			GroupFolder:    *group,
			Provider:       *provider,
			AccessLevel:    *level,
			AllowedActions: splitList(*allow),
			DeniedActions:  splitList(*deny),
			GrantedBy:      "main",
			GrantedAt:      ids.FormatTime(now),
		}
		if *expires > 0 {
			c.ExpiresAt = ids.FormatTime(now.Add(*expires))
		}
		err := st.WithTx(ctx, func(tx *sql.Tx) error { return st.UpsertCapability(ctx, tx, c) })
		if err != nil {
			fatal("grant capability: %v", err)
		}
		fmt.Printf("capability %s/%s granted at level %d\n", c.GroupFolder, c.Provider, c.AccessLevel)

	case "revoke":
		fs := flag.NewFlagSet("capability revoke", flag.ExitOnError)
		group := fs.String("group", "", "group folder")
		provider := fs.String("provider", "", "provider name")
		fs.Parse(args[1:]) //nolint:errcheck
		if *group == "" || *provider == "" {
			fatal("capability revoke requires -group and -provider")
		}
		err := st.WithTx(ctx, func(tx *sql.Tx) error { return st.RevokeCapability(ctx, tx, *group, *provider) })
		if err == store.ErrNotFound {
			fatal("no capability %s/%s", *group, *provider)
		}
		if err != nil {
			fatal("revoke capability: %v", err)
		}
		fmt.Printf("capability %s/%s revoked\n", *group, *provider)

	case "list":
		caps, err := st.ListCapabilities(ctx)
		if err != nil {
			fatal("list capabilities: %v", err)
		}
		for _, c := range caps {
			state := "active"
			if !c.Active {
				state = "revoked"
			}
			expiry := c.ExpiresAt
			if expiry == "" {
				expiry = "-"
			}
			fmt.Printf("%-12s %-12s L%d %-8s expires=%s\n", c.GroupFolder, c.Provider, c.AccessLevel, state, expiry)
		}

	default:
		fatal("unknown capability subcommand %q", args[0])
	}
}

func recordApprovers(ctx context.Context, st *store.Store, group, provider string, approvers []string, now time.Time) {
	for _, by := range approvers {
		err := st.WithTx(ctx, func(tx *sql.Tx) error {
			return st.AddCapabilityApproval(ctx, tx, &store.CapabilityApproval{
				GroupFolder: group,
				Provider:    provider,
				ApprovedBy:  by,
				CreatedAt:   ids.FormatTime(now),
			})
		})
		if err != nil {
			fatal("record approval by %s: %v", by, err)
		}
	}
}

func runBackup(st *store.Store, args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	out := fs.String("out", "backups", "output directory")
	fs.Parse(args) //nolint:errcheck

	path, err := st.Backup(*out)
	if err != nil {
		fatal("backup: %v", err)
	}
	fmt.Printf("backup written to %s\n", path)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "opsctl: "+format+"\n", args...)
	os.Exit(1)
}
