package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"raftcore/internal/pubsub"
	"raftcore/internal/raft"
	raftlog "raftcore/internal/raft/log"
	"raftcore/internal/raft/metrics"
	"raftcore/internal/raft/node"
	"raftcore/internal/raft/rpc"
	"raftcore/internal/raft/schedule"
	"raftcore/internal/raft/statemachine"
	"raftcore/internal/raft/storage"
)

type demoNode struct {
	id      raft.NodeId
	node    *node.Node
	kv      *statemachine.KVStateMachine
	bus     *pubsub.Bus
	metrics *metrics.Metrics
}

func startNode(router *rpc.Router, id raft.NodeId, group []raft.NodeEndpoint, mode node.NodeMode) *demoNode {
	bus := pubsub.NewBus()
	config := node.DefaultConfig()
	config.Mode = mode
	collector := metrics.NewMetrics()

	n := node.NewNode(node.Params{
		Config:    config,
		Self:      raft.NodeEndpoint{Id: id, Address: raft.NodeAddress(id)},
		Group:     group,
		Bus:       bus,
		Log:       raftlog.NewMemoryLog(bus),
		Store:     storage.NewMemoryStore(),
		Transport: rpc.NewMemoryTransport(id, bus, router),
		Scheduler: schedule.NewDefaultScheduler(
			config.ElectionTimeoutMin, config.ElectionTimeoutMax,
			config.LogReplicationDelay, config.LogReplicationInterval),
		Metrics: collector,
	})

	kv := statemachine.NewKVStateMachine(string(id))
	n.RegisterStateMachine(kv)

	if err := n.Start(); err != nil {
		log.Fatalf("failed to start node %s: %v", id, err)
	}
	return &demoNode{id: id, node: n, kv: kv, bus: bus, metrics: collector}
}

func (d *demoNode) stop() {
	if err := d.node.Stop(); err != nil && !errors.Is(err, node.ErrNotStarted) {
		log.Warnf("failed to stop node %s: %v", d.id, err)
	}
	d.bus.GracefulShutdown()
}

func findLeader(nodes []*demoNode) *demoNode {
	for _, n := range nodes {
		if name, _ := n.node.RoleNameAndLeaderId(); name == node.Leader {
			return n
		}
	}
	return nil
}

func awaitLeader(nodes []*demoNode, timeout time.Duration) *demoNode {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := findLeader(nodes); leader != nil {
			return leader
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil
}

func submitCommand(nodes []*demoNode, command string) bool {
	for retries := 0; retries < 5; retries++ {
		leader := findLeader(nodes)
		if leader == nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if err := leader.node.AppendLog([]byte(command)); err != nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		return true
	}
	return false
}

func awaitApplied(nodes []*demoNode, index uint64, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		applied := true
		for _, n := range nodes {
			if n.kv.LastApplied() < index {
				applied = false
				break
			}
		}
		if applied {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func printNodeState(n *demoNode, keys []string) {
	state := n.node.RoleState()
	fmt.Printf("node %s: role=%v term=%d applied=%d\n", n.id, state.RoleName, state.Term, n.kv.LastApplied())
	for _, key := range keys {
		if value, ok := n.kv.Get(key); ok {
			fmt.Printf("  %s = %s\n", key, value)
		}
	}
}

func main() {
	log.SetLevel(log.WarnLevel)

	fmt.Println("=== raftcore demo: 3-node in-memory cluster ===")
	fmt.Println()

	router := rpc.NewRouter()
	group := []raft.NodeEndpoint{
		{Id: "A", Address: "A"},
		{Id: "B", Address: "B"},
		{Id: "C", Address: "C"},
	}

	var nodes []*demoNode
	for _, endpoint := range group {
		nodes = append(nodes, startNode(router, endpoint.Id, group, node.ModeActive))
	}
	defer func() {
		for _, n := range nodes {
			n.stop()
		}
	}()

	fmt.Println("waiting for a leader...")
	leader := awaitLeader(nodes, 5*time.Second)
	if leader == nil {
		fmt.Println("no leader elected, giving up")
		os.Exit(1)
	}
	fmt.Printf("leader elected: node %s at term %d\n", leader.id, leader.node.RoleState().Term)
	fmt.Println()

	fmt.Println("=== phase 1: replicating commands ===")
	commands := []string{
		"SET name=Alice",
		"SET city=Sofia",
		"SET language=Go",
	}
	for _, command := range commands {
		if submitCommand(nodes, command) {
			fmt.Printf("submitted: %s\n", command)
		} else {
			fmt.Printf("failed to submit: %s\n", command)
		}
	}

	// Index 1 is the leader's no-op entry, the commands follow it.
	awaitApplied(nodes, uint64(len(commands))+1, 3*time.Second)
	fmt.Println()

	keys := []string{"name", "city", "language"}
	for _, n := range nodes {
		printNodeState(n, keys)
	}
	fmt.Println()

	fmt.Println("=== phase 2: adding node D ===")
	joining := startNode(router, "D", []raft.NodeEndpoint{{Id: "D", Address: "D"}}, node.ModeStandby)
	nodes = append(nodes, joining)

	leader = findLeader(nodes)
	if leader == nil {
		fmt.Println("leader lost, giving up")
		os.Exit(1)
	}
	ref, err := leader.node.AddNode(raft.NodeEndpoint{Id: "D", Address: "D"})
	if err != nil {
		fmt.Printf("add node failed: %v\n", err)
		os.Exit(1)
	}
	result, err := ref.AwaitDone(10 * time.Second)
	if err != nil {
		fmt.Printf("add node did not finish: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("add node D: %v\n", result)

	submitCommand(nodes, "SET joined=D")
	awaitApplied(nodes, uint64(len(commands))+3, 3*time.Second)
	printNodeState(joining, append(keys, "joined"))
	fmt.Println()

	fmt.Println("=== phase 3: removing node C ===")
	leader = findLeader(nodes)
	if leader == nil {
		fmt.Println("leader lost, giving up")
		os.Exit(1)
	}
	ref, err = leader.node.RemoveNode("C")
	if err != nil {
		fmt.Printf("remove node failed: %v\n", err)
		os.Exit(1)
	}
	result, err = ref.AwaitDone(10 * time.Second)
	if err != nil {
		fmt.Printf("remove node did not finish: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("remove node C: %v\n", result)
	fmt.Println()

	fmt.Println("=== final state ===")
	for _, n := range nodes {
		printNodeState(n, append(keys, "joined"))
	}
	fmt.Println()

	report := leader.metrics.GetReport()
	fmt.Printf("leader metrics: %d elections, %d rpcs sent or received, %d commands committed\n",
		report.ElectionCount, report.TotalRpcCount(), report.CommandsCommitted)
}
