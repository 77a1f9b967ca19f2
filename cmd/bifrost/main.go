// Package main provides the Bifrost CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/bifrost/pkg/bifrost"
	"github.com/orneryd/bifrost/pkg/config"
	"github.com/orneryd/bifrost/pkg/outbox"
	"github.com/orneryd/bifrost/pkg/reactor"
	"github.com/orneryd/bifrost/pkg/schema"
	"github.com/orneryd/bifrost/pkg/transport"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bifrost",
		Short: "Bifrost - Local-First Sync Core for Client Applications",
		Long: `Bifrost is a client-side sync core for local-first applications,
built on a normalized triple store with optimistic transactions.

Features:
  • Live queries with continuously updated results
  • Optimistic writes visible before any network round trip
  • Last-write-wins merge of server and local state
  • Durable outbox for offline mutations
  • Scripted scenario playback against an in-memory connection`,
	}

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Bifrost v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	// Play command (scripted scenario runner)
	playCmd := &cobra.Command{
		Use:   "play [scenario.yaml]",
		Short: "Play a sync scenario against an in-memory connection",
		Long: `Play loads a YAML scenario describing an attribute catalog, live
queries and a step list (create, update, link, delete, push, confirm),
then drives the full sync core through it, printing every emission.

See scenarios/todos.yaml for the format.`,
		Args: cobra.ExactArgs(1),
		RunE: runPlay,
	}
	playCmd.Flags().String("outbox-dir", getEnvStr("BIFROST_OUTBOX_DIR", ""), "Durable outbox directory (empty = in-memory)")
	playCmd.Flags().String("step-delay", "150ms", "Settle time between steps")
	rootCmd.AddCommand(playCmd)

	// Outbox command (inspect the durable pending-mutation queue)
	outboxCmd := &cobra.Command{
		Use:   "outbox",
		Short: "List pending mutations in a durable outbox",
		RunE:  runOutboxList,
	}
	outboxCmd.PersistentFlags().String("dir", getEnvStr("BIFROST_OUTBOX_DIR", "./data/outbox"), "Outbox directory")
	outboxCmd.Flags().Bool("verbose", false, "Print every raw operation")

	outboxStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show outbox statistics",
		RunE:  runOutboxStats,
	}
	outboxCmd.AddCommand(outboxStatsCmd)
	rootCmd.AddCommand(outboxCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// scenario is the YAML playbook format consumed by the play command.
type scenario struct {
	Name       string          `yaml:"name"`
	Attributes []scenarioAttr  `yaml:"attributes"`
	Queries    []scenarioQuery `yaml:"queries"`
	Steps      []scenarioStep  `yaml:"steps"`
}

type scenarioAttr struct {
	ID            string `yaml:"id"` // entity/label, e.g. todos/title
	Cardinality   string `yaml:"cardinality"`
	Kind          string `yaml:"kind"`
	ReverseEntity string `yaml:"reverse_entity"`
	ReverseLabel  string `yaml:"reverse_label"`
}

type scenarioQuery struct {
	Name      string         `yaml:"name"`
	Namespace string         `yaml:"namespace"`
	OrderBy   string         `yaml:"order_by"`
	Direction string         `yaml:"direction"`
	Where     map[string]any `yaml:"where"`
	Limit     int            `yaml:"limit"`
	Links     []string       `yaml:"links"` // dotted paths, e.g. owner.todos
}

// scenarioStep carries exactly one action.
type scenarioStep struct {
	Create  *scenarioWrite  `yaml:"create"`
	Update  *scenarioWrite  `yaml:"update"`
	Link    *scenarioLink   `yaml:"link"`
	Unlink  *scenarioLink   `yaml:"unlink"`
	Delete  *scenarioTarget `yaml:"delete"`
	Push    *scenarioPush   `yaml:"push"`
	Confirm string          `yaml:"confirm"` // transaction id or "all"
	Wait    string          `yaml:"wait"`
}

type scenarioWrite struct {
	Namespace string         `yaml:"namespace"`
	ID        string         `yaml:"id"`
	Fields    map[string]any `yaml:"fields"`
}

type scenarioLink struct {
	Namespace string   `yaml:"namespace"`
	ID        string   `yaml:"id"`
	Label     string   `yaml:"label"`
	Targets   []string `yaml:"targets"`
}

type scenarioTarget struct {
	Namespace string `yaml:"namespace"`
	ID        string `yaml:"id"`
}

type scenarioPush struct {
	Namespace string           `yaml:"namespace"`
	Entities  []map[string]any `yaml:"entities"`
	Error     string           `yaml:"error"`
}

func loadScenario(path string) (*scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	var sc scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	if len(sc.Queries) == 0 {
		return nil, fmt.Errorf("scenario has no queries")
	}
	return &sc, nil
}

// attributes builds the catalog from the declared attributes, deriving the
// forward identity from the entity/label id. Every referenced namespace
// gets an id attribute; scenarios never declare those.
func (sc *scenario) attributes() ([]schema.Attribute, error) {
	var attrs []schema.Attribute
	declared := make(map[string]bool)
	namespaces := make(map[string]bool)

	for _, a := range sc.Attributes {
		entity, label, ok := strings.Cut(a.ID, "/")
		if !ok || entity == "" || label == "" {
			return nil, fmt.Errorf("attribute id %q is not entity/label", a.ID)
		}
		attr := schema.Attribute{
			ID:            a.ID,
			ForwardEntity: entity,
			ForwardLabel:  label,
			ReverseEntity: a.ReverseEntity,
			ReverseLabel:  a.ReverseLabel,
			Cardinality:   schema.CardinalityOne,
			Kind:          schema.AttrScalar,
		}
		if strings.EqualFold(a.Cardinality, string(schema.CardinalityMany)) {
			attr.Cardinality = schema.CardinalityMany
		}
		if strings.EqualFold(a.Kind, string(schema.AttrRef)) || a.ReverseEntity != "" {
			attr.Kind = schema.AttrRef
		}
		attrs = append(attrs, attr)
		declared[a.ID] = true
		namespaces[entity] = true
		if a.ReverseEntity != "" {
			namespaces[a.ReverseEntity] = true
		}
	}

	for _, q := range sc.Queries {
		namespaces[q.Namespace] = true
	}

	var nsList []string
	for ns := range namespaces {
		if ns == "" {
			continue
		}
		nsList = append(nsList, ns)
	}
	sort.Strings(nsList)
	for _, ns := range nsList {
		id := ns + "/id"
		if declared[id] {
			continue
		}
		attrs = append(attrs, schema.Attribute{
			ID:            id,
			ForwardEntity: ns,
			ForwardLabel:  "id",
			Cardinality:   schema.CardinalityOne,
			Kind:          schema.AttrScalar,
		})
	}
	return attrs, nil
}

func (q scenarioQuery) label() string {
	if q.Name != "" {
		return q.Name
	}
	return q.Namespace
}

func (q scenarioQuery) query() transport.Query {
	direction := transport.Ascending
	if strings.EqualFold(q.Direction, string(transport.Descending)) {
		direction = transport.Descending
	}
	return transport.Query{
		Namespace: q.Namespace,
		OrderBy:   q.OrderBy,
		Direction: direction,
		Where:     q.Where,
		Limit:     q.Limit,
		Links:     linkSelection(q.Links),
	}
}

// linkSelection expands dotted link paths into a nested allow-list.
func linkSelection(paths []string) schema.LinkSelection {
	if len(paths) == 0 {
		return nil
	}
	sel := make(schema.LinkSelection)
	for _, path := range paths {
		cur := sel
		for _, part := range strings.Split(path, ".") {
			if part == "" {
				continue
			}
			if cur[part] == nil {
				cur[part] = make(schema.LinkSelection)
			}
			cur = cur[part]
		}
	}
	return sel
}

func runPlay(cmd *cobra.Command, args []string) error {
	scenarioPath := args[0]
	outboxDir, _ := cmd.Flags().GetString("outbox-dir")
	stepDelayStr, _ := cmd.Flags().GetString("step-delay")

	stepDelay, err := time.ParseDuration(stepDelayStr)
	if err != nil {
		stepDelay = 150 * time.Millisecond
	}

	sc, err := loadScenario(scenarioPath)
	if err != nil {
		return err
	}

	attrs, err := sc.attributes()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn := transport.NewMemoryConn(attrs)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	cfg := config.LoadFromEnv()
	if outboxDir != "" {
		cfg.Outbox.Enabled = true
		cfg.Outbox.DataDir = outboxDir
		cfg.Outbox.InMemory = false
	} else {
		cfg.Outbox.InMemory = true
	}

	client, err := bifrost.Open(conn, cfg)
	if err != nil {
		return fmt.Errorf("opening client: %w", err)
	}
	defer client.Close()

	name := sc.Name
	if name == "" {
		name = scenarioPath
	}
	fmt.Printf("🎬 Playing %s (%d attributes, %d queries, %d steps)\n",
		name, len(attrs), len(sc.Queries), len(sc.Steps))
	if outboxDir != "" {
		fmt.Printf("📂 Durable outbox at %s\n", outboxDir)
	}

	for _, q := range sc.Queries {
		sub, err := client.Subscribe(ctx, q.query())
		if err != nil {
			return fmt.Errorf("subscribing %s: %w", q.label(), err)
		}
		go printEmissions(q.label(), sub)
	}

	for i, step := range sc.Steps {
		if ctx.Err() != nil {
			break
		}
		if err := applyStep(ctx, client, conn, step); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		time.Sleep(stepDelay)
	}

	printStats(client)
	return nil
}

func printEmissions(label string, sub *reactor.Subscription) {
	for list := range sub.Updates() {
		fmt.Printf("📬 [%s] %d entities\n", label, len(list))
		for _, e := range list {
			if data, err := json.Marshal(e); err == nil {
				fmt.Printf("   %s\n", data)
			}
		}
	}
}

func applyStep(ctx context.Context, client *bifrost.Client, conn *transport.MemoryConn, step scenarioStep) error {
	switch {
	case step.Create != nil:
		chunk := reactor.CreateOp(step.Create.Namespace, step.Create.ID, step.Create.Fields)
		fmt.Printf("✏️  create %s/%s\n", chunk.Namespace, chunk.EntityID)
		return client.Transact(ctx, []schema.Chunk{chunk})

	case step.Update != nil:
		fmt.Printf("🔄 update %s/%s\n", step.Update.Namespace, step.Update.ID)
		return client.Transact(ctx, []schema.Chunk{
			reactor.UpdateOp(step.Update.Namespace, step.Update.ID, step.Update.Fields),
		})

	case step.Link != nil:
		fmt.Printf("🔗 link %s/%s %s -> %s\n",
			step.Link.Namespace, step.Link.ID, step.Link.Label, strings.Join(step.Link.Targets, ", "))
		return client.Transact(ctx, []schema.Chunk{
			reactor.LinkOp(step.Link.Namespace, step.Link.ID, step.Link.Label, step.Link.Targets...),
		})

	case step.Unlink != nil:
		fmt.Printf("✂️  unlink %s/%s %s -> %s\n",
			step.Unlink.Namespace, step.Unlink.ID, step.Unlink.Label, strings.Join(step.Unlink.Targets, ", "))
		return client.Transact(ctx, []schema.Chunk{
			reactor.UnlinkOp(step.Unlink.Namespace, step.Unlink.ID, step.Unlink.Label, step.Unlink.Targets...),
		})

	case step.Delete != nil:
		fmt.Printf("🗑  delete %s/%s\n", step.Delete.Namespace, step.Delete.ID)
		return client.Transact(ctx, []schema.Chunk{
			reactor.DeleteOp(step.Delete.Namespace, step.Delete.ID),
		})

	case step.Push != nil:
		if step.Push.Error != "" {
			fmt.Printf("📡 push error on %s: %s\n", step.Push.Namespace, step.Push.Error)
			conn.PushError(step.Push.Namespace, errors.New(step.Push.Error))
			return nil
		}
		fmt.Printf("📡 push %d entities to %s\n", len(step.Push.Entities), step.Push.Namespace)
		conn.Push(step.Push.Namespace, step.Push.Entities)
		return nil

	case step.Confirm != "":
		if strings.EqualFold(step.Confirm, "all") {
			fmt.Println("✅ confirm all pending mutations")
			conn.ConfirmAll()
			return nil
		}
		fmt.Printf("✅ confirm %s\n", step.Confirm)
		conn.Confirm(step.Confirm)
		return nil

	case step.Wait != "":
		d, err := time.ParseDuration(step.Wait)
		if err != nil {
			return fmt.Errorf("invalid wait duration %q", step.Wait)
		}
		fmt.Printf("⏸  wait %v\n", d)
		time.Sleep(d)
		return nil

	default:
		return fmt.Errorf("step has no action")
	}
}

func printStats(client *bifrost.Client) {
	stats := client.Stats()
	fmt.Println("📊 Final statistics:")
	fmt.Printf("  Entities:      %d\n", stats.Store.Entities)
	fmt.Printf("  Triples:       %d\n", stats.Store.Triples)
	fmt.Printf("  Subscriptions: %d\n", stats.Reactor.ActiveSubscriptions)
	fmt.Printf("  Transactions:  %d\n", stats.Reactor.Transactions)
	fmt.Printf("  Emissions:     %d\n", stats.Reactor.Emissions)
	if stats.Outbox != nil {
		fmt.Printf("  Outbox:        %d pending\n", stats.Outbox.Pending)
	}
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	verbose, _ := cmd.Flags().GetBool("verbose")

	fmt.Printf("📂 Opening outbox at %s...\n", dir)
	q, err := outbox.New(dir)
	if err != nil {
		return fmt.Errorf("opening outbox: %w", err)
	}
	defer q.Close()

	pending, err := q.Pending()
	if err != nil {
		return fmt.Errorf("reading pending mutations: %w", err)
	}

	if len(pending) == 0 {
		fmt.Println("✅ No pending mutations")
		return nil
	}

	fmt.Printf("📋 %d pending mutation(s):\n", len(pending))
	for _, m := range pending {
		fmt.Printf("  %s  %d op(s)  [%s]\n", m.TxID, len(m.Ops), strings.Join(opNamespaces(m.Ops), ", "))
		if verbose {
			for _, op := range m.Ops {
				printRawOp(op)
			}
		}
	}
	return nil
}

func opNamespaces(ops []schema.RawOp) []string {
	seen := make(map[string]bool)
	var out []string
	for _, op := range ops {
		if op.Namespace == "" || seen[op.Namespace] {
			continue
		}
		seen[op.Namespace] = true
		out = append(out, op.Namespace)
	}
	sort.Strings(out)
	return out
}

func printRawOp(op schema.RawOp) {
	switch op.Kind {
	case schema.RawAddTriple:
		fmt.Printf("    add     %s %s = %v\n", op.EntityID, op.AttrID, op.Value)
	case schema.RawRetractTriple:
		fmt.Printf("    retract %s %s = %v\n", op.EntityID, op.AttrID, op.Value)
	case schema.RawDeleteEntity:
		fmt.Printf("    delete  %s/%s\n", op.Namespace, op.EntityID)
	default:
		fmt.Printf("    %s %s\n", op.Kind, op.EntityID)
	}
}

func runOutboxStats(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")

	fmt.Printf("📂 Opening outbox at %s...\n", dir)
	q, err := outbox.New(dir)
	if err != nil {
		return fmt.Errorf("opening outbox: %w", err)
	}
	defer q.Close()

	stats, err := q.Stats()
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}

	fmt.Println("📊 Outbox Statistics:")
	fmt.Printf("  Directory: %s\n", dir)
	fmt.Printf("  Pending:   %d\n", stats.Pending)
	return nil
}

// getEnvStr returns environment variable value or default
func getEnvStr(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
