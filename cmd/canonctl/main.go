// canonctl seeds a canon store from a YAML world file and runs offline
// coherence checks against it. Useful for authoring sessions before any
// server is involved.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"storyloom/internal/audit"
	"storyloom/internal/canon"
	"storyloom/internal/coherence"
	"storyloom/internal/config"
	"storyloom/internal/logging"
	"storyloom/pkg/types"
)

// seedFile is the YAML layout of a world file
type seedFile struct {
	SessionID string `yaml:"session_id"`
	Lore      []struct {
		Category     string `yaml:"category"`
		Subject      string `yaml:"subject"`
		Attribute    string `yaml:"attribute"`
		Fact         string `yaml:"fact"`
		Position     int64  `yaml:"position"`
		Immutability string `yaml:"immutability"`
	} `yaml:"lore"`
	Content []struct {
		ID          string                `yaml:"id"`
		Text        string                `yaml:"text"`
		Position    int64                 `yaml:"position"`
		Themes      []string              `yaml:"themes"`
		CausalLinks []string              `yaml:"causal_links"`
		Assertions  []types.Assertion     `yaml:"assertions"`
		Orderings   []types.OrderingClaim `yaml:"orderings"`
	} `yaml:"content"`
	Threads []types.StorylineThread `yaml:"threads"`
}

func main() {
	seedPath := flag.String("seed", "", "path to the YAML world file")
	checkConvergence := flag.Bool("convergence", true, "analyze storyline convergence after validation")
	flag.Parse()

	if *seedPath == "" {
		fmt.Fprintln(os.Stderr, "usage: canonctl -seed world.yaml [-convergence=false]")
		os.Exit(2)
	}
	if err := run(*seedPath, *checkConvergence); err != nil {
		color.Red("canonctl: %v", err)
		os.Exit(1)
	}
}

func run(seedPath string, checkConvergence bool) error {
	data, err := os.ReadFile(seedPath) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}
	if seed.SessionID == "" {
		seed.SessionID = "local"
	}

	cfg := config.DefaultConfig()
	store := canon.NewMemoryStore()
	defer func() { _ = store.Close() }()

	var auditLog *audit.Logger // offline runs skip the audit log
	validator, err := coherence.New(cfg, store, auditLog, logging.NewNop())
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := loadSeed(ctx, store, &seed); err != nil {
		return err
	}
	color.Cyan("loaded %d lore entries, %d content items, %d threads for session %s",
		len(seed.Lore), len(seed.Content), len(seed.Threads), seed.SessionID)

	// validate in file order, storing each item so later entries can
	// reference earlier ones by ID
	problems := 0
	for _, c := range seed.Content {
		content := buildContent(seed.SessionID, c.Text, c.Position, c.Themes, c.CausalLinks, c.Assertions, c.Orderings)
		if c.ID != "" {
			content.ID = c.ID
		}
		result, err := validator.ValidateContent(ctx, &content)
		if err != nil {
			return err
		}
		problems += reportResult(&content, result)
		if err := store.PutContent(ctx, content); err != nil {
			return err
		}
	}

	if checkConvergence && len(seed.Threads) > 0 {
		conv, err := validator.ValidateConvergence(ctx, seed.SessionID)
		if err != nil {
			return err
		}
		reportConvergence(conv)
	}

	if problems > 0 {
		return fmt.Errorf("%d contradictions found", problems)
	}
	color.Green("canon is coherent")
	return nil
}

func loadSeed(ctx context.Context, store canon.Store, seed *seedFile) error {
	for _, l := range seed.Lore {
		entry := types.NewLoreEntry(seed.SessionID, types.LoreCategory(l.Category), l.Subject, l.Attribute, l.Fact, l.Position)
		if im := types.Immutability(l.Immutability); im.Valid() {
			entry.Immutability = im
		}
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("lore %s/%s: %w", l.Subject, l.Attribute, err)
		}
		if err := store.PutLore(ctx, entry); err != nil {
			return err
		}
	}
	for _, t := range seed.Threads {
		t.SessionID = seed.SessionID
		if err := t.Validate(); err != nil {
			return fmt.Errorf("thread %s: %w", t.ID, err)
		}
		if err := store.PutThread(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func buildContent(sessionID, text string, position int64, themes, causalLinks []string, assertions []types.Assertion, orderings []types.OrderingClaim) types.NarrativeContent {
	content := types.NewNarrativeContent(sessionID, text, position)
	content.Themes = themes
	content.CausalLinks = causalLinks
	content.Assertions = assertions
	content.Orderings = orderings
	return content
}

func reportResult(content *types.NarrativeContent, result *types.ValidationResult) int {
	if result.Valid && len(result.Contradictions) == 0 {
		color.Green("ok      %q", truncate(content.Text, 60))
		return 0
	}
	for _, c := range result.Contradictions {
		switch c.Severity {
		case types.SeverityCritical, types.SeverityError:
			color.Red("%-7s %s: %s", c.Severity, c.Type, c.Description)
		default:
			color.Yellow("%-7s %s: %s", c.Severity, c.Type, c.Description)
		}
	}
	return len(result.Contradictions)
}

func reportConvergence(conv *types.ConvergenceValidation) {
	if conv.IsConvergent {
		color.Green("convergence %.2f across %d threads", conv.ConvergenceScore, conv.StorylineCount)
	} else {
		color.Yellow("convergence %.2f across %d threads (below threshold)", conv.ConvergenceScore, conv.StorylineCount)
	}
	for _, issue := range conv.IntegrationIssues {
		color.Yellow("  issue: %s", issue)
	}
	for _, rec := range conv.RecommendedAdjustments {
		fmt.Printf("  suggest: %s\n", rec)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
