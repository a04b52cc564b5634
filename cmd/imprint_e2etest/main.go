// cmd/imprint_e2etest/main.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// imprint_e2etest runs randomized capture/restore round trips through the
// real pipeline (tee, split, sha256sum and the codec binaries) with a
// stub partclone backend, and checks that what comes back is byte for
// byte what went in.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mmp/imprint/codec"
	"github.com/mmp/imprint/device"
	"github.com/mmp/imprint/imaging"
	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/pipeline"
	"github.com/mmp/imprint/rdso"
	"github.com/mmp/imprint/sniff"
	"github.com/mmp/imprint/ui"
	u "github.com/mmp/imprint/util"
)

const stubBackend = `#!/bin/sh
case "$1" in
-c) exec cat "$IMPRINT_E2E_DATA" ;;
-r) exec cat > "$5" ;;
esac
exit 64
`

var (
	iters   = flag.Int("iters", 10, "Number of round trips")
	kill    = flag.Bool("kill", true, "Randomly cancel captures")
	verbose = flag.Bool("v", false, "Verbose imprint logging")
)

func main() {
	flag.Parse()
	seed := int64(os.Getpid())
	log.Printf("Seed %d", seed)
	rand.Seed(seed)

	dir, err := os.MkdirTemp("", "imprint_e2e")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	stubs := filepath.Join(dir, "bin")
	if err := os.Mkdir(stubs, 0755); err != nil {
		log.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stubs, "partclone.extfs"), []byte(stubBackend), 0755); err != nil {
		log.Fatal(err)
	}
	os.Setenv("PATH", stubs+string(os.PathListSeparator)+os.Getenv("PATH"))

	var codecs []string
	for _, name := range codec.Names() {
		if _, err := exec.LookPath(codec.Resolve(name).Compress[0]); err == nil {
			codecs = append(codecs, name)
		}
	}
	if len(codecs) == 0 {
		log.Fatal("no compressors available")
	}
	log.Printf("Codecs: %v", codecs)

	for i := 0; i < *iters; i++ {
		roundTrip(dir, codecs[rand.Intn(len(codecs))], i)
	}
	log.Printf("All %d round trips OK", *iters)
}

func randBool() bool {
	return rand.Float32() < .5
}

func expSize() int64 {
	logSize := 10 + rand.Intn(16)
	s := int64(1) << uint(logSize)
	return s + rand.Int63n(s)
}

func roundTrip(dir, compression string, iter int) {
	data := make([]byte, expSize())
	_, _ = rand.Read(data)
	dataPath := filepath.Join(dir, "data")
	if err := os.WriteFile(dataPath, data, 0644); err != nil {
		log.Fatal(err)
	}
	os.Setenv("IMPRINT_E2E_DATA", dataPath)

	images := filepath.Join(dir, "images")
	os.RemoveAll(images)
	if err := os.Mkdir(images, 0755); err != nil {
		log.Fatal(err)
	}
	target := filepath.Join(dir, "target")
	os.Remove(target)

	source := "/dev/e2e1"
	engine := &imaging.Engine{
		Log: u.NewLogger(*verbose, false),
		Inventory: device.Static{
			source:     {FSType: "ext4", Size: device.Size(len(data)), PKName: "e2e"},
			"/dev/e2e": {Type: "disk"},
			target:     {FSType: "ext4", Size: device.Size(len(data))},
		},
		Runner:   &pipeline.Runner{},
		Prompter: &ui.Scripted{Answer: true},
		Options: imaging.Options{
			Privileged: true,
			WorkDir:    filepath.Join(dir, "work"),
		},
	}

	chunkMB := 0
	if randBool() {
		chunkMB = 1
	}
	log.Printf("[%d] %d bytes, %s, chunk %d MiB", iter, len(data), compression, chunkMB)

	req := imaging.BackupRequest{
		Device:      source,
		Target:      images + "/",
		Compression: compression,
		ChunkMB:     chunkMB,
	}

	if *kill && randBool() {
		wait := time.Duration(1<<uint(rand.Intn(8))) * time.Millisecond
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		_, err := engine.Backup(ctx, req)
		cancel()
		if err == nil {
			log.Printf("Capture finished within %s", wait)
			if err := os.RemoveAll(images); err != nil {
				log.Fatal(err)
			}
			if err := os.Mkdir(images, 0755); err != nil {
				log.Fatal(err)
			}
		} else {
			log.Printf("Killed after %s: %v", wait, err)
			checkNoDataLeft(images)
		}
	}

	res, err := engine.Backup(context.Background(), req)
	if err != nil {
		log.Fatalf("backup: %v", err)
	}

	if compression != "gzip" {
		s, err := sniff.Sniff(res.Files[0])
		if err != nil {
			log.Fatalf("sniff: %v", err)
		}
		if s.Compression != compression {
			log.Fatalf("sniff: got %s, expected %s", s.Compression, compression)
		}
	}

	if _, err := engine.Verify(res.Base); err != nil {
		log.Fatalf("verify: %v", err)
	}

	if randBool() {
		damageAndRepair(res.Files)
	}

	if _, err := engine.Restore(context.Background(), imaging.RestoreRequest{
		Image:  res.Base,
		Device: target,
		Bypass: true,
	}); err != nil {
		log.Fatalf("restore: %v", err)
	}

	restored, err := os.ReadFile(target)
	if err != nil {
		log.Fatal(err)
	}
	if !bytes.Equal(data, restored) {
		log.Fatalf("restored %d bytes don't match the original %d", len(restored), len(data))
	}
}

// checkNoDataLeft makes sure a canceled capture cleaned up after itself.
func checkNoDataLeft(images string) {
	entries, err := os.ReadDir(images)
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range entries {
		log.Fatalf("%s left behind after a canceled capture", e.Name())
	}
}

// damageAndRepair protects the image, flips a byte in one of its files,
// and makes sure the repaired file is put back the way it was.
func damageAndRepair(files []string) {
	p := rdso.Params{DataShards: 1 + rand.Intn(16), ParityShards: 1 + rand.Intn(4),
		HashRate: 1 << uint(10+rand.Intn(8))}
	if _, err := rdso.ProtectImage(files, p, nil); err != nil {
		log.Fatalf("protect: %v", err)
	}

	victim := files[rand.Intn(len(files))]
	orig, err := os.ReadFile(victim)
	if err != nil {
		log.Fatal(err)
	}
	if len(orig) == 0 {
		return
	}
	damaged := append([]byte{}, orig...)
	damaged[rand.Intn(len(damaged))] ^= 0x5a
	if err := os.WriteFile(victim, damaged, 0644); err != nil {
		log.Fatal(err)
	}

	if _, err := rdso.CheckImage(files, nil); !errors.Is(err, rdso.ErrFileCorrupt) {
		log.Fatalf("check of damaged image: %v", err)
	}
	recovered, err := rdso.RepairImage(files, nil)
	if err != nil {
		log.Fatalf("repair: %v", err)
	}
	if len(recovered) != 1 {
		log.Fatalf("repaired %v; expected just %s", recovered, victim)
	}
	if err := os.Rename(recovered[0], victim); err != nil {
		log.Fatal(err)
	}
	if err := os.Rename(layout.ParityFile(victim)+".recovered", layout.ParityFile(victim)); err != nil {
		log.Fatal(err)
	}
	if b, err := os.ReadFile(victim); err != nil || !bytes.Equal(b, orig) {
		log.Fatalf("%s: repaired contents differ (%v)", victim, err)
	}
	log.Printf("Repaired %s", filepath.Base(victim))
}
