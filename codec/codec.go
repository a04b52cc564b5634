// codec/codec.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package codec maps a compression selector to the external stream
// filters that compress and decompress an image, and to the filename
// extension images compressed with it carry.
package codec

// Default is the selector used when none (or an unrecognized one) is given.
const Default = "lz4"

// Profile describes one compressor. Compress and Decompress are argv
// vectors for filters that read stdin and write stdout.
type Profile struct {
	Name       string
	Compress   []string
	Decompress []string
	Ext        string
}

var profiles = []Profile{
	{
		Name:       "lz4",
		Compress:   []string{"lz4", "-1", "-c"},
		Decompress: []string{"lz4", "-dc"},
		Ext:        "lz4",
	},
	{
		Name:       "zstd",
		Compress:   []string{"zstd", "-6", "-c", "-T0"},
		Decompress: []string{"zstd", "-dc"},
		Ext:        "zst",
	},
	{
		Name:       "gzip",
		Compress:   []string{"gzip", "-3", "-c"},
		Decompress: []string{"gzip", "-dc"},
		Ext:        "gz",
	},
}

// Resolve returns the profile for the given selector. An empty or unknown
// selector silently yields the lz4 profile.
func Resolve(selector string) Profile {
	for _, p := range profiles {
		if p.Name == selector {
			return p.clone()
		}
	}
	return profiles[0].clone()
}

// Known reports whether selector names one of the compressors in the table.
func Known(selector string) bool {
	for _, p := range profiles {
		if p.Name == selector {
			return true
		}
	}
	return false
}

// Names returns the known selectors, default first.
func Names() []string {
	var n []string
	for _, p := range profiles {
		n = append(n, p.Name)
	}
	return n
}

// Executables returns the program names the profile needs on PATH.
func (p Profile) Executables() []string {
	if len(p.Compress) == 0 {
		return nil
	}
	if len(p.Decompress) == 0 || p.Decompress[0] == p.Compress[0] {
		return []string{p.Compress[0]}
	}
	return []string{p.Compress[0], p.Decompress[0]}
}

// Callers get their own argv slices so they can't mutate the table.
func (p Profile) clone() Profile {
	p.Compress = append([]string(nil), p.Compress...)
	p.Decompress = append([]string(nil), p.Decompress...)
	return p
}
