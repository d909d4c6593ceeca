package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remrin/locket/internal/agent"
	"github.com/remrin/locket/internal/broker"
	"github.com/remrin/locket/internal/browser"
	"github.com/remrin/locket/internal/dom"
	"github.com/remrin/locket/internal/sites"
	"github.com/remrin/locket/internal/state"
)

var openSites []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Attach to the browser and serve supported tabs",
	Long: `Connects to Chrome (launching one if needed), injects the locket control
into every tab on a supported site, and serves interceptions until
interrupted.

Tabs opened or closed while running are picked up automatically.`,
	RunE: runLocket,
}

func init() {
	runCmd.Flags().StringSliceVar(&openSites, "open", nil,
		"Site(s) to open a tab for on startup ("+pterm.DefaultBasicText.Sprint(sites.Supported())+")")
	rootCmd.AddCommand(runCmd)
}

func runLocket(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openState()
	if err != nil {
		return err
	}
	hist, err := openHistory()
	if err != nil {
		return err
	}
	defer hist.Close()

	client := newBackend()
	if !client.Authenticated() {
		pterm.Warning.Println("Not logged in; souls and memories are unavailable. Run 'locket login'.")
	}

	worker := broker.New(broker.Options{
		State:          st,
		Backend:        client,
		Cache:          hist,
		RetrievalLimit: cfg.Backend.RetrievalLimit,
		Logger:         logger,
	})
	worker.Start(ctx)

	type running struct {
		agent  *agent.Agent
		cancel context.CancelFunc
	}
	var (
		mu     sync.Mutex
		agents = make(map[string]*running)
	)

	onAttach := func(tab browser.Tab, site *sites.Config, ev dom.Evaluator) {
		actx, cancel := context.WithCancel(ctx)
		a := agent.New(agent.Options{
			TabID:        tab.ID,
			URL:          tab.URL,
			Site:         site,
			Evaluator:    ev,
			Worker:       worker,
			Recorder:     hist,
			Logger:       logger,
			PollInterval: cfg.PollInterval(),
			SubmitDelay:  cfg.SubmitDelay(),
		})
		mu.Lock()
		agents[tab.ID] = &running{agent: a, cancel: cancel}
		mu.Unlock()

		go func() {
			if err := a.Run(actx); err != nil {
				logger.Warn("agent stopped", zap.String("tab", tab.ID), zap.Error(err))
			}
		}()
	}
	onDetach := func(tab browser.Tab) {
		mu.Lock()
		if r, ok := agents[tab.ID]; ok {
			r.cancel()
			delete(agents, tab.ID)
		}
		mu.Unlock()
		worker.OnTabRemoved(ctx, tab.ID)
	}

	mgr := browser.NewManager(cfg.Browser, onAttach, onDetach, logger)
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Shutdown()

	for _, name := range openSites {
		if err := mgr.Open(ctx, name); err != nil {
			pterm.Warning.Printf("Could not open %s: %v\n", name, err)
		}
	}

	// External writes to the state file (another locket process, or a hand
	// edit) propagate into every attached tab.
	go func() {
		err := st.Watch(ctx, func(state.State) {
			mu.Lock()
			defer mu.Unlock()
			for _, r := range agents {
				if err := r.agent.SyncState(ctx); err != nil {
					logger.Debug("state sync failed", zap.Error(err))
				}
			}
		})
		if err != nil {
			logger.Warn("state watcher stopped", zap.Error(err))
		}
	}()

	pterm.Success.Println("Locket is running. Open a supported chat site to see the control.")
	pterm.Info.Println("Press Ctrl+C to stop.")

	return mgr.Watch(ctx)
}
