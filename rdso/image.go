// rdso/image.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package rdso

import (
	"errors"
	"fmt"
	"os"

	"github.com/mmp/imprint/layout"
	"github.com/mmp/imprint/util"
)

// ProtectImage writes a parity file next to each of an image's data
// files and returns their names.
func ProtectImage(files []string, p Params, log *util.Logger) ([]string, error) {
	if err := p.check(); err != nil {
		return nil, err
	}
	var out []string
	for _, f := range files {
		rsfn := layout.ParityFile(f)
		log.Verbose("%s: encoding parity to %s", f, rsfn)
		if err := EncodeFile(f, rsfn, p); err != nil {
			return out, fmt.Errorf("%s: %w", f, err)
		}
		out = append(out, rsfn)
	}
	return out, nil
}

// CheckImage checks every data file that has a parity file. Files
// without one are reported and otherwise ignored; ErrFileCorrupt is
// returned if any file is damaged.
func CheckImage(files []string, log *util.Logger) (checked int, err error) {
	corrupt := 0
	for _, f := range files {
		rsfn := layout.ParityFile(f)
		if _, err := os.Stat(rsfn); errors.Is(err, os.ErrNotExist) {
			log.Warning("%s: no parity file", f)
			continue
		}
		checked++
		if err := CheckFile(f, rsfn, log); errors.Is(err, ErrFileCorrupt) {
			corrupt++
		} else if err != nil {
			return checked, err
		}
	}
	if corrupt > 0 {
		return checked, fmt.Errorf("%d of %d files: %w", corrupt, checked, ErrFileCorrupt)
	}
	return checked, nil
}

// RepairImage repairs every damaged data file, returning the paths of
// the recovered copies.
func RepairImage(files []string, log *util.Logger) ([]string, error) {
	var recovered []string
	for _, f := range files {
		rsfn := layout.ParityFile(f)
		if _, err := os.Stat(rsfn); errors.Is(err, os.ErrNotExist) {
			log.Warning("%s: no parity file", f)
			continue
		}
		out, err := RepairFile(f, rsfn, log)
		if err != nil {
			return recovered, err
		}
		if out != "" {
			recovered = append(recovered, out)
		}
	}
	return recovered, nil
}
