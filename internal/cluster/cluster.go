// Copyright 2026 lxcup authors
// SPDX-License-Identifier: Apache-2.0

// Package cluster queries the Proxmox VE cluster management API through
// pvesh. Every query is attempted against the structured JSON output format
// first; hosts whose pvesh predates --output-format fall back to parsing the
// rendered table. The two paths form an explicit priority list, tried in
// order, and produce identical records.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"lxcup/internal/command"
	"lxcup/internal/constants"
)

// ErrPoolNotFound reports that the named resource pool does not exist or
// could not be queried.
var ErrPoolNotFound = errors.New("pool not found")

// PoolMember is one entry of a pool's member list. Type distinguishes
// containers ("lxc") from virtual machines ("qemu") and storage entries.
type PoolMember struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	VMID   int    `json:"vmid"`
	Name   string `json:"name"`
	Node   string `json:"node"`
	Status string `json:"status"`
}

// Pool is the result of a pool query.
type Pool struct {
	PoolID  string       `json:"poolid"`
	Comment string       `json:"comment"`
	Members []PoolMember `json:"members"`
}

// StatusEntry is one row of the cluster status listing. For rows of type
// "node" the IP field carries the node's cluster address.
type StatusEntry struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	IP     string `json:"ip"`
	Local  int    `json:"local"`
	Online int    `json:"online"`
}

// Resource is one row of the cluster resources listing, used to resolve
// explicitly named CTIDs to their owning node.
type Resource struct {
	VMID   int    `json:"vmid"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Node   string `json:"node"`
	Status string `json:"status"`
}

// Volume is one backup volume of a storage content listing.
type Volume struct {
	VolID  string `json:"volid"`
	Format string `json:"format"`
	CTime  int64  `json:"ctime"`
	Size   int64  `json:"size"`
}

// Client issues pvesh queries through a command runner so that the same
// client works against the local host in production and a fake in tests.
type Client struct {
	runner command.Runner
}

// New returns a Client that runs pvesh through r.
func New(r command.Runner) *Client {
	return &Client{runner: r}
}

// CheckPrerequisites verifies that the management tools the workflow shells
// out to are present on the host. A missing tool is fatal to the run.
func CheckPrerequisites() error {
	var missing []string
	for _, tool := range constants.RequiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required tools not found on host: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Pool returns the named pool with its member list. A query failure maps to
// ErrPoolNotFound; an existing pool with no members is not an error.
func (c *Client) Pool(ctx context.Context, name string) (*Pool, error) {
	path := "/pools/" + name
	var p Pool
	if err := c.getJSON(ctx, &p, path); err == nil {
		if p.PoolID == "" {
			p.PoolID = name
		}
		return &p, nil
	}
	rows, err := c.getTable(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPoolNotFound, name, err)
	}
	p = Pool{PoolID: name}
	for _, row := range rows {
		m := PoolMember{
			ID:     row["id"],
			Type:   row["type"],
			Name:   row["name"],
			Node:   row["node"],
			Status: row["status"],
		}
		if m.Type == "" {
			m.Type, m.VMID = splitMemberID(m.ID)
		} else {
			m.VMID, _ = strconv.Atoi(row["vmid"])
		}
		p.Members = append(p.Members, m)
	}
	return &p, nil
}

// Status returns the cluster status listing (cluster row plus one row per
// node).
func (c *Client) Status(ctx context.Context) ([]StatusEntry, error) {
	var entries []StatusEntry
	if err := c.getJSON(ctx, &entries, "/cluster/status"); err == nil {
		return entries, nil
	}
	rows, err := c.getTable(ctx, "/cluster/status")
	if err != nil {
		return nil, fmt.Errorf("querying cluster status: %w", err)
	}
	for _, row := range rows {
		e := StatusEntry{
			ID:   row["id"],
			Name: row["name"],
			Type: row["type"],
			IP:   row["ip"],
		}
		e.Local, _ = strconv.Atoi(row["local"])
		e.Online, _ = strconv.Atoi(row["online"])
		entries = append(entries, e)
	}
	return entries, nil
}

// Resources returns the guest rows of the cluster resources listing.
func (c *Client) Resources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	if err := c.getJSON(ctx, &resources, "/cluster/resources", "--type", "vm"); err == nil {
		return resources, nil
	}
	rows, err := c.getTable(ctx, "/cluster/resources", "--type", "vm")
	if err != nil {
		return nil, fmt.Errorf("querying cluster resources: %w", err)
	}
	for _, row := range rows {
		r := Resource{
			Type:   row["type"],
			Name:   row["name"],
			Node:   row["node"],
			Status: row["status"],
		}
		r.VMID, _ = strconv.Atoi(row["vmid"])
		if r.VMID == 0 {
			_, r.VMID = splitMemberID(row["id"])
		}
		resources = append(resources, r)
	}
	return resources, nil
}

// BackupVolumes returns the backup content of a storage on the given node.
func (c *Client) BackupVolumes(ctx context.Context, node, storage string) ([]Volume, error) {
	path := fmt.Sprintf("/nodes/%s/storage/%s/content", node, storage)
	var vols []Volume
	if err := c.getJSON(ctx, &vols, path, "--content", "backup"); err == nil {
		return vols, nil
	}
	rows, err := c.getTable(ctx, path, "--content", "backup")
	if err != nil {
		return nil, fmt.Errorf("listing backups on %s/%s: %w", node, storage, err)
	}
	for _, row := range rows {
		v := Volume{VolID: row["volid"], Format: row["format"]}
		v.CTime, _ = strconv.ParseInt(row["ctime"], 10, 64)
		v.Size, _ = strconv.ParseInt(row["size"], 10, 64)
		vols = append(vols, v)
	}
	return vols, nil
}

// getJSON is the structured query path. args is the API path followed by
// any pvesh options; every argument is shell-quoted.
func (c *Client) getJSON(ctx context.Context, out any, args ...string) error {
	cmdline := command.Join(append(append([]string{"pvesh", "get"}, args...), "--output-format", "json")...)
	res, err := command.RunChecked(ctx, c.runner, cmdline)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(res.Stdout), out); err != nil {
		return fmt.Errorf("decoding pvesh output for %s: %w", args[0], err)
	}
	return nil
}

// getTable is the fallback query path: run pvesh without an output format
// and parse the rendered table into keyed rows.
func (c *Client) getTable(ctx context.Context, args ...string) ([]map[string]string, error) {
	res, err := command.RunChecked(ctx, c.runner, command.Join(append([]string{"pvesh", "get"}, args...)...))
	if err != nil {
		return nil, err
	}
	return parseTable(res.Stdout), nil
}

// parseTable reads a pvesh-rendered table: an optional box-drawing border,
// a header row naming the columns, and one row per record. Cells are split
// on the border character when present, otherwise on runs of whitespace.
func parseTable(out string) []map[string]string {
	var header []string
	var rows []map[string]string
	for _, line := range strings.Split(out, "\n") {
		cells := splitRow(line)
		if len(cells) == 0 {
			continue
		}
		if header == nil {
			header = cells
			continue
		}
		row := make(map[string]string, len(header))
		for i, cell := range cells {
			if i < len(header) {
				row[strings.ToLower(header[i])] = cell
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func splitRow(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" || isRule(line) {
		return nil
	}
	var raw []string
	switch {
	case strings.Contains(line, "│"):
		raw = strings.Split(strings.Trim(line, "│"), "│")
	case strings.Contains(line, "|"):
		raw = strings.Split(strings.Trim(line, "|"), "|")
	default:
		raw = strings.Fields(line)
	}
	cells := make([]string, 0, len(raw))
	for _, c := range raw {
		cells = append(cells, strings.TrimSpace(c))
	}
	return cells
}

// isRule reports whether the line is a horizontal border of the table.
func isRule(line string) bool {
	for _, r := range line {
		switch r {
		case '─', '═', '-', '+', '┌', '┐', '└', '┘', '├', '┤', '┬', '┴', '┼', '╞', '╪', '╡':
		default:
			return false
		}
	}
	return true
}

// splitMemberID decomposes a member id like "lxc/301" into kind and vmid.
func splitMemberID(id string) (kind string, vmid int) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 {
		return id, 0
	}
	vmid, _ = strconv.Atoi(parts[1])
	return parts[0], vmid
}
