// Copyright (C) The Slurmscale Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurmconf renders the cluster's partition layout into the
// slurm.conf, topology.conf, and gres.conf fragments slurmctld needs
// to know about the cloud node pool before any node exists.
package slurmconf

import (
	"fmt"
	"io"
	"sort"

	"github.com/nimbushpc/slurmscale/lib/config"
	"github.com/nimbushpc/slurmscale/lib/slurm"
)

// A PlacementGroup is a chunk of a tightly-coupled partition whose
// nodes share a network switch (cloud placement group / scaleset).
type PlacementGroup struct {
	Name  string
	Nodes []string
}

// NodeNames returns all node names for one partition, in placement
// group order. Tightly-coupled partitions number nodes within each
// placement group ("hpc-pg0-1"); others use a flat sequence
// ("htc-1").
func NodeNames(name string, p config.Partition) []string {
	names := make([]string, 0, p.MaxVMCount)
	for _, pg := range PlacementGroups(name, p) {
		names = append(names, pg.Nodes...)
	}
	return names
}

// PlacementGroups chunks a partition's nodes into placement groups of
// MaxScalesetSize. Loosely-coupled partitions form a single group
// named "htc".
func PlacementGroups(name string, p config.Partition) []PlacementGroup {
	size := p.MaxScalesetSize
	if size <= 0 || !p.IsHPC {
		size = p.MaxVMCount
	}
	var groups []PlacementGroup
	for start := 0; start < p.MaxVMCount; start += size {
		end := start + size
		if end > p.MaxVMCount {
			end = p.MaxVMCount
		}
		pgIndex := start / size
		pg := PlacementGroup{Name: "htc"}
		if p.IsHPC {
			pg.Name = fmt.Sprintf("%s-%s-pg%d", name, p.MachineType, pgIndex)
		}
		for i := start; i < end; i++ {
			if p.IsHPC {
				pg.Nodes = append(pg.Nodes, fmt.Sprintf("%spg%d-%d", p.NodenamePrefix, pgIndex, i-start+1))
			} else {
				pg.Nodes = append(pg.Nodes, fmt.Sprintf("%s%d", p.NodenamePrefix, i+1))
			}
		}
		groups = append(groups, pg)
	}
	return groups
}

// RealMemoryMiB returns the memory a node should advertise to Slurm:
// the machine's memory minus max(1 GiB, DampenMemory fraction) to
// cover OS/VM overhead, and never less than 1 GiB. Without the
// reduction, nodes reporting slightly less than the configured amount
// would be rejected by slurmctld.
func RealMemoryMiB(p config.Partition) int {
	dampen := p.DampenMemory
	if dampen <= 0 {
		dampen = 0.05
	}
	reduce := int(float64(p.MemoryMiB) * dampen)
	if reduce < 1024 {
		reduce = 1024
	}
	mem := p.MemoryMiB - reduce
	if mem < 1024 {
		mem = 1024
	}
	return mem
}

// cpuLayout returns the CPUs and ThreadsPerCore a partition's nodes
// advertise.
func cpuLayout(p config.Partition) (cpus, threads int) {
	if p.UsePCPU && p.PCPUs > 0 {
		threads = p.VCPUs / p.PCPUs
		if threads < 1 {
			threads = 1
		}
		return p.PCPUs, threads
	}
	cpus = p.VCPUs
	if cpus < 1 {
		cpus = 1
	}
	return cpus, 1
}

func sortedNames(parts map[string]config.Partition) []string {
	names := make([]string, 0, len(parts))
	for name := range parts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WriteSlurmConf renders PartitionName/Nodename definitions for every
// configured partition.
func WriteSlurmConf(w io.Writer, cluster *config.Cluster) error {
	for _, name := range sortedNames(cluster.Partitions) {
		p := cluster.Partitions[name]
		memory := RealMemoryMiB(p)
		cpus, threads := cpuLayout(p)
		defMemPerCPU := memory / cpus
		defaultYN := "NO"
		if p.IsDefault {
			defaultYN = "YES"
		}
		nodeList := slurm.CollapseHostlist(NodeNames(name, p))
		_, err := fmt.Fprintf(w, "# %s: RealMemory reduced from %d MiB to %d MiB to account for OS/VM overhead.\n",
			name, p.MemoryMiB, memory)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "PartitionName=%s Nodes=%s Default=%s DefMemPerCPU=%d MaxTime=INFINITE State=UP\n",
			name, nodeList, defaultYN, defMemPerCPU)
		if err != nil {
			return err
		}
		for _, pg := range PlacementGroups(name, p) {
			gres := ""
			if p.GPUs > 0 {
				gres = fmt.Sprintf(" Gres=gpu:%d", p.GPUs)
			}
			_, err = fmt.Fprintf(w, "Nodename=%s Feature=cloud State=CLOUD CPUs=%d ThreadsPerCore=%d RealMemory=%d%s\n",
				slurm.CollapseHostlist(pg.Nodes), cpus, threads, memory, gres)
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// WriteTopology renders one topology.conf switch per placement group,
// so Slurm schedules tightly-coupled jobs within a group.
func WriteTopology(w io.Writer, cluster *config.Cluster) error {
	var htcNodes []string
	type sw struct{ name, nodes string }
	var switches []sw
	for _, name := range sortedNames(cluster.Partitions) {
		p := cluster.Partitions[name]
		for _, pg := range PlacementGroups(name, p) {
			if pg.Name == "htc" {
				htcNodes = append(htcNodes, pg.Nodes...)
				continue
			}
			switches = append(switches, sw{pg.Name, slurm.CollapseHostlist(pg.Nodes)})
		}
	}
	if len(htcNodes) > 0 {
		switches = append(switches, sw{"htc", slurm.CollapseHostlist(htcNodes)})
	}
	sort.Slice(switches, func(i, j int) bool { return switches[i].name < switches[j].name })
	for _, s := range switches {
		if _, err := fmt.Fprintf(w, "SwitchName=%s Nodes=%s\n", s.name, s.nodes); err != nil {
			return err
		}
	}
	return nil
}

// WriteGresConf renders gres.conf entries for GPU partitions.
func WriteGresConf(w io.Writer, cluster *config.Cluster) error {
	for _, name := range sortedNames(cluster.Partitions) {
		p := cluster.Partitions[name]
		if p.GPUs == 0 {
			continue
		}
		devices := "/dev/nvidia0"
		if p.GPUs > 1 {
			devices = fmt.Sprintf("/dev/nvidia[0-%d]", p.GPUs-1)
		}
		for _, pg := range PlacementGroups(name, p) {
			_, err := fmt.Fprintf(w, "Nodename=%s Name=gpu Count=%d File=%s\n",
				slurm.CollapseHostlist(pg.Nodes), p.GPUs, devices)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
