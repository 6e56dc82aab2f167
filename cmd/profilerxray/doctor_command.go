package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ongoingai/profilerxray/internal/config"
	"github.com/ongoingai/profilerxray/internal/dbtrace"
	"github.com/ongoingai/profilerxray/internal/xray"
	"github.com/ongoingai/profilerxray/migrations"
)

const defaultDoctorFormat = "text"

const doctorCheckTimeout = 5 * time.Second

const (
	doctorStatusPass = "pass"
	doctorStatusWarn = "warn"
	doctorStatusFail = "fail"
	doctorStatusSkip = "skip"
)

type doctorDocument struct {
	GeneratedAt   time.Time     `json:"generated_at"`
	ConfigPath    string        `json:"config_path"`
	OverallStatus string        `json:"overall_status"`
	Checks        []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string   `json:"name"`
	Status  string   `json:"status"`
	Summary string   `json:"summary"`
	Details []string `json:"details,omitempty"`
}

func runDoctor(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("doctor", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultDoctorFormat, "Output format: text or json")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "doctor does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("doctor", *format, defaultDoctorFormat)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	document := buildDoctorDocument(strings.TrimSpace(*configPath))
	if err := writeDoctor(out, normalizedFormat, document); err != nil {
		fmt.Fprintf(errOut, "failed to write doctor output: %v\n", err)
		return 1
	}
	if document.OverallStatus == doctorStatusFail {
		return 1
	}
	return 0
}

func buildDoctorDocument(configPath string) doctorDocument {
	doc := doctorDocument{
		GeneratedAt: time.Now().UTC(),
		ConfigPath:  configPath,
		Checks:      make([]doctorCheck, 0, 5),
	}

	cfg, stage, err := loadAndValidateConfig(configPath)
	if err != nil {
		summary := "failed to load config"
		reason := "skipped: config failed to load"
		if stage == configStageValidate {
			summary = "config is invalid"
			reason = "skipped: config validation failed"
		}
		doc.Checks = append(doc.Checks,
			doctorCheck{
				Name:    "config",
				Status:  doctorStatusFail,
				Summary: summary,
				Details: []string{err.Error()},
			},
			doctorSkippedCheck("daemon", reason),
			doctorSkippedCheck("journal", reason),
			doctorSkippedCheck("sample_app", reason),
			doctorSkippedCheck("otel", reason),
		)
		doc.OverallStatus = doctorOverallStatus(doc.Checks)
		return doc
	}

	doc.Checks = append(doc.Checks, doctorCheck{
		Name:    "config",
		Status:  doctorStatusPass,
		Summary: "loaded and validated configuration",
		Details: []string{fmt.Sprintf("config path: %s", nonEmpty(configPath, "(default lookup)"))},
	})
	doc.Checks = append(doc.Checks, runDoctorDaemonCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorJournalCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorSampleAppCheck(cfg))
	doc.Checks = append(doc.Checks, runDoctorOTelCheck(cfg))
	doc.OverallStatus = doctorOverallStatus(doc.Checks)
	return doc
}

func doctorSkippedCheck(name, summary string) doctorCheck {
	return doctorCheck{
		Name:    name,
		Status:  doctorStatusSkip,
		Summary: summary,
	}
}

// runDoctorDaemonCheck resolves the daemon address without sending anything.
func runDoctorDaemonCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "daemon"}
	hostPort, err := xray.ParseDaemonAddress(cfg.Daemon.Address)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "invalid x-ray daemon address"
		check.Details = []string{err.Error()}
		return check
	}
	addr, err := net.ResolveUDPAddr("udp", hostPort)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to resolve x-ray daemon address"
		check.Details = []string{err.Error()}
		return check
	}

	check.Status = doctorStatusPass
	check.Summary = "resolved x-ray daemon address"
	check.Details = []string{
		fmt.Sprintf("udp: %s", addr.String()),
		fmt.Sprintf("send timeout: %dms", cfg.Daemon.SendTimeoutMS),
	}
	if cfg.Daemon.SendTimeoutMS == 0 {
		check.Status = doctorStatusWarn
		check.Summary = "resolved x-ray daemon address; sends are bounded only by request context"
	}
	return check
}

func runDoctorJournalCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "journal"}
	driver := strings.ToLower(strings.TrimSpace(cfg.Journal.Driver))

	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "", config.JournalDriverNone:
		return doctorSkippedCheck("journal", "journal disabled")
	case config.JournalDriverSQLite:
		path := strings.TrimSpace(cfg.Journal.Path)
		if abs, absErr := filepath.Abs(path); absErr == nil {
			path = abs
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			check.Status = doctorStatusWarn
			check.Summary = "sqlite journal does not exist yet; it is created on first serve"
			check.Details = []string{fmt.Sprintf("path: %s", path)}
			return check
		}
		check.Details = []string{fmt.Sprintf("path: %s", path)}
		db, err = sql.Open("sqlite", "file:"+path)
	case config.JournalDriverPostgres:
		db, err = sql.Open("pgx", cfg.Journal.DSN)
	default:
		check.Status = doctorStatusFail
		check.Summary = fmt.Sprintf("unsupported journal driver %q", cfg.Journal.Driver)
		return check
	}
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to open journal database"
		check.Details = append(check.Details, err.Error())
		return check
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()
	pending, err := migrations.Pending(ctx, db, driver)
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "journal connectivity check failed"
		check.Details = append(check.Details, err.Error())
		return check
	}
	if len(pending) > 0 {
		check.Status = doctorStatusWarn
		check.Summary = fmt.Sprintf("connected to %s journal; %d migrations pending until next serve", driver, len(pending))
		for _, name := range pending {
			check.Details = append(check.Details, "pending: "+name)
		}
		return check
	}
	check.Status = doctorStatusPass
	check.Summary = fmt.Sprintf("connected to %s journal; schema is current", driver)
	return check
}

func runDoctorSampleAppCheck(cfg config.Config) doctorCheck {
	check := doctorCheck{Name: "sample_app"}
	ctx, cancel := context.WithTimeout(context.Background(), doctorCheckTimeout)
	defer cancel()

	store, err := openProductStore(ctx, cfg.SampleApp, dbtrace.NewListener(nil))
	if err != nil {
		check.Status = doctorStatusFail
		check.Summary = "failed to open sample database"
		check.Details = []string{err.Error()}
		return check
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		check.Status = doctorStatusFail
		check.Summary = "sample database ping failed"
		check.Details = []string{err.Error()}
		return check
	}
	check.Status = doctorStatusPass
	check.Summary = fmt.Sprintf("connected to %s sample database", nonEmpty(cfg.SampleApp.Driver, "sqlite"))
	return check
}

func runDoctorOTelCheck(cfg config.Config) doctorCheck {
	otelCfg := cfg.Observability.OTel
	if !otelCfg.Enabled {
		return doctorSkippedCheck("otel", "opentelemetry disabled")
	}
	check := doctorCheck{
		Name:    "otel",
		Status:  doctorStatusPass,
		Summary: "opentelemetry export configured",
		Details: []string{
			fmt.Sprintf("endpoint: %s", otelCfg.Endpoint),
			fmt.Sprintf("service name: %s", otelCfg.ServiceName),
			fmt.Sprintf("traces: %t, metrics: %t", otelCfg.TracesEnabled, otelCfg.MetricsEnabled),
		},
	}
	if !otelCfg.TracesEnabled && !otelCfg.MetricsEnabled {
		check.Status = doctorStatusWarn
		check.Summary = "opentelemetry enabled but no signal is exported"
	}
	return check
}

func doctorOverallStatus(checks []doctorCheck) string {
	hasWarn := false
	for _, check := range checks {
		switch check.Status {
		case doctorStatusFail:
			return doctorStatusFail
		case doctorStatusWarn:
			hasWarn = true
		}
	}
	if hasWarn {
		return doctorStatusWarn
	}
	return doctorStatusPass
}

func writeDoctor(out io.Writer, format string, doc doctorDocument) error {
	switch format {
	case "json":
		return writeDoctorJSON(out, doc)
	default:
		return writeDoctorText(out, doc)
	}
}

func writeDoctorJSON(out io.Writer, doc doctorDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(doc)
}

func writeDoctorText(out io.Writer, doc doctorDocument) error {
	fmt.Fprintln(out, "profilerxray doctor")

	meta := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(meta, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(meta, "Config path\t%s\n", nonEmpty(doc.ConfigPath, defaultConfigPath))
	fmt.Fprintf(meta, "Overall status\t%s\n", strings.ToUpper(doc.OverallStatus))
	if err := meta.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChecks")
	for _, check := range doc.Checks {
		fmt.Fprintf(out, "- [%s] %s: %s\n", strings.ToUpper(check.Status), check.Name, check.Summary)
		for _, detail := range check.Details {
			fmt.Fprintf(out, "  %s\n", detail)
		}
	}
	return nil
}
