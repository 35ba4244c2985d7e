// Command rsdp-node runs a single process of the stack described in
// SPEC_FULL.md: one Address, bound to the rest of a fixed membership over
// UDP, running whichever implementation of each layer the flags select.
// Grounded on proc.py's parse_args/main: the same host/host-id/member-
// count/port-start membership derivation, generalized per-layer flags in
// place of the source's three hardcoded `cls = ...` lines.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coreset/rsdp/internal/consensus"
	"github.com/coreset/rsdp/internal/logging"
	"github.com/coreset/rsdp/internal/stack"
	"github.com/coreset/rsdp/internal/types"
)

type nodeFlags struct {
	host          string
	hostID        int
	memberCount   int
	portStart     int
	storeDir      string
	stubbornLinks string
	perfectLinks  string
	failureDetector string
	leaderDetector  string
	broadcastImpl   string
	consensusImpl   string
	proposal        string
	verbose         bool
}

func main() {
	flags := &nodeFlags{}
	root := &cobra.Command{
		Use:   "rsdp-node",
		Short: "run one process of a reliable/secure distributed programming stack",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}

	root.Flags().StringVar(&flags.host, "host", "127.0.0.1", "bind host shared by every member")
	root.Flags().IntVarP(&flags.hostID, "host-id", "i", 0, "this process's index into the membership")
	root.Flags().IntVarP(&flags.memberCount, "member-count", "n", 3, "total number of member processes")
	root.Flags().IntVar(&flags.portStart, "port-start", 5000, "first member's port; member i binds port-start+i")
	root.Flags().StringVar(&flags.storeDir, "store-dir", "./rsdp-store", "directory for stable-store-backed modules")
	root.Flags().StringVar(&flags.stubbornLinks, "stubborn-links", stack.ImplRetransmitForever, "stubborn-link implementation")
	root.Flags().StringVar(&flags.perfectLinks, "perfect-links", stack.ImplPerfect, "perfect-link implementation")
	root.Flags().StringVar(&flags.failureDetector, "failure-detector", stack.ImplFDPerfect, "failure-detector implementation")
	root.Flags().StringVar(&flags.leaderDetector, "leader-detector", stack.ImplLeaderMonarchical, "leader-detector implementation")
	root.Flags().StringVar(&flags.broadcastImpl, "broadcast", stack.ImplBroadcastBestEffort, "broadcast implementation")
	root.Flags().StringVar(&flags.consensusImpl, "consensus", stack.ImplConsensusFlooding, "consensus implementation")
	root.Flags().StringVar(&flags.proposal, "propose", "", "initial value this process proposes to consensus")
	root.Flags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(flags *nodeFlags) error {
	log := logging.New()
	if flags.verbose {
		log.ToggleDebug(true)
	}

	members := make([]types.Address, flags.memberCount)
	for i := 0; i < flags.memberCount; i++ {
		members[i] = types.Address{Host: flags.host, Port: flags.portStart + i}
	}
	if flags.hostID < 0 || flags.hostID >= flags.memberCount {
		return fmt.Errorf("host-id %d out of range [0,%d)", flags.hostID, flags.memberCount)
	}
	self := members[flags.hostID]
	membership := types.NewMembership(self, members)

	cfg := stack.Config{
		Self:            self,
		Members:         membership,
		StoreDir:        flags.storeDir,
		StubbornLinks:   flags.stubbornLinks,
		PerfectLinks:    flags.perfectLinks,
		FailureDetector: flags.failureDetector,
		LeaderDetector:  flags.leaderDetector,
		Broadcast:       flags.broadcastImpl,
		Consensus:       flags.consensusImpl,
		Proposal:        flags.proposal,
	}

	p, err := stack.Build(cfg, stack.NewRegistry(), log, decisionLogger{log: log, self: self})
	if err != nil {
		return err
	}
	defer p.Transport.Close()
	log.Infof("listening at %s (member %d of %d)", self, flags.hostID, flags.memberCount)

	if flags.proposal != "" {
		p.Cons.Propose(flags.proposal)
	}

	select {}
}

// decisionLogger satisfies consensus.Upper, logging every decision the
// way the source's Test.upon_Decide does.
type decisionLogger struct {
	log  logging.Logger
	self types.Address
}

func (d decisionLogger) OnDecide(value string) {
	d.log.Infof("decision: %s, %s", value, d.self)
}

var _ consensus.Upper = decisionLogger{}
