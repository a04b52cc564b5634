// device/device.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package device answers questions about block devices: what filesystem
// they hold, how big they are, whether they are mounted, and what disk
// they live on.
package device

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

var ErrNoDevice = errors.New("no such block device")

type Inventory interface {
	Exists(dev string) bool
	FilesystemType(dev string) (string, error)
	SizeBytes(dev string) (int64, error)
	// Mountpoint returns "" when dev is not mounted.
	Mountpoint(dev string) (string, error)
	// ParentDisk returns the disk holding partition dev, or "" if there
	// is none.
	ParentDisk(dev string) (string, error)
	// PartitionLayout returns an opaque snapshot of disk's partition
	// table.
	PartitionLayout(disk string) (json.RawMessage, error)
}

// Info is one row of lsblk output.
type Info struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	FSType     string `json:"fstype"`
	Size       Size   `json:"size"`
	Mountpoint string `json:"mountpoint"`
	PKName     string `json:"pkname"`
	Type       string `json:"type"`
}

// Size accepts lsblk's byte counts, which older versions print as JSON
// strings.
type Size int64

func (s *Size) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if string(b) == "null" || len(b) == 0 {
		*s = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("lsblk size %q: %w", b, err)
	}
	*s = Size(n)
	return nil
}

// Lsblk is the Inventory backed by lsblk(8) and sfdisk(8).
type Lsblk struct {
	// Output runs a command and returns its stdout; nil means os/exec.
	Output func(name string, args ...string) ([]byte, error)
}

func (l Lsblk) run(name string, args ...string) ([]byte, error) {
	if l.Output != nil {
		return l.Output(name, args...)
	}
	cmd := exec.Command(name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Info runs lsblk on dev alone.
func (l Lsblk) Info(dev string) (Info, error) {
	out, err := l.run("lsblk", "-J", "-b", "-d", "-o",
		"NAME,PATH,FSTYPE,SIZE,MOUNTPOINT,PKNAME,TYPE", dev)
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", dev, err)
	}
	return parseLsblk(dev, out)
}

func parseLsblk(dev string, out []byte) (Info, error) {
	var doc struct {
		BlockDevices []Info `json:"blockdevices"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		return Info{}, fmt.Errorf("%s: parsing lsblk output: %w", dev, err)
	}
	if len(doc.BlockDevices) == 0 {
		return Info{}, fmt.Errorf("%s: %w", dev, ErrNoDevice)
	}
	return doc.BlockDevices[0], nil
}

func (l Lsblk) Exists(dev string) bool {
	fi, err := os.Stat(dev)
	return err == nil && fi.Mode()&os.ModeDevice != 0
}

func (l Lsblk) FilesystemType(dev string) (string, error) {
	info, err := l.Info(dev)
	return info.FSType, err
}

func (l Lsblk) SizeBytes(dev string) (int64, error) {
	info, err := l.Info(dev)
	if err != nil {
		return 0, err
	}
	if info.Size <= 0 {
		return 0, fmt.Errorf("%s: lsblk reported no size", dev)
	}
	return int64(info.Size), nil
}

func (l Lsblk) Mountpoint(dev string) (string, error) {
	info, err := l.Info(dev)
	return info.Mountpoint, err
}

func (l Lsblk) ParentDisk(dev string) (string, error) {
	info, err := l.Info(dev)
	if err != nil || info.PKName == "" {
		return "", err
	}
	return "/dev/" + info.PKName, nil
}

func (l Lsblk) PartitionLayout(disk string) (json.RawMessage, error) {
	out, err := l.run("sfdisk", "--json", disk)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", disk, err)
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("%s: sfdisk produced invalid JSON", disk)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, out); err != nil {
		return nil, err
	}
	return compact.Bytes(), nil
}

///////////////////////////////////////////////////////////////////////////
// Static

// Static is an in-memory Inventory.
type Static map[string]Info

func (s Static) lookup(dev string) (Info, error) {
	if info, ok := s[dev]; ok {
		return info, nil
	}
	return Info{}, fmt.Errorf("%s: %w", dev, ErrNoDevice)
}

func (s Static) Exists(dev string) bool {
	_, ok := s[dev]
	return ok
}

func (s Static) FilesystemType(dev string) (string, error) {
	info, err := s.lookup(dev)
	return info.FSType, err
}

func (s Static) SizeBytes(dev string) (int64, error) {
	info, err := s.lookup(dev)
	return int64(info.Size), err
}

func (s Static) Mountpoint(dev string) (string, error) {
	info, err := s.lookup(dev)
	return info.Mountpoint, err
}

func (s Static) ParentDisk(dev string) (string, error) {
	info, err := s.lookup(dev)
	if err != nil || info.PKName == "" {
		return "", err
	}
	return "/dev/" + info.PKName, nil
}

func (s Static) PartitionLayout(disk string) (json.RawMessage, error) {
	if _, err := s.lookup(disk); err != nil {
		return nil, err
	}
	return json.RawMessage(fmt.Sprintf(`{"partitiontable":{"device":%q}}`, disk)), nil
}
