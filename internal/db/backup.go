// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package db

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/golang/glog"
	"github.com/golang/snappy"

	"github.com/westerndigitalcorporation/bsdb/internal/core"
)

// Backups have the following format:
//
//      4 bytes        4 bytes          the rest
// -----------------------------------------------------------
// | magic number | backup version | ...compressed data file... |
// -----------------------------------------------------------

type backupVersion uint32

const (
	invalidVersion backupVersion = iota
	snappyVer                    // data file with snappy compression
)

const backupMagic uint32 = 0xB5DBAC

// Backup writes a compressed copy of the data file to 'w'. The copy is made
// from the cache, so it reflects every mutation that completed before the
// call and none that is in progress.
func (s *Store) Backup(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, backupMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, snappyVer); err != nil {
		return err
	}
	sw := snappy.NewBufferedWriter(w)
	if err := writeSchema(sw, s.layout.schema); err != nil {
		return err
	}
	var err error
	s.cache.each(func(r *core.Record) {
		if err != nil {
			return
		}
		b, _ := s.layout.encode(r.Deleted, recordValues(*r))
		_, err = sw.Write(b)
	})
	if err != nil {
		return err
	}
	return sw.Close()
}

// BackupTo writes a backup to the file at 'path', replacing it atomically.
// It returns the size of the backup.
func (s *Store) BackupTo(path string) (size int64, err error) {
	err = writeAtomic(path, func(f *os.File) error {
		if err := s.Backup(f); err != nil {
			return err
		}
		fi, err := f.Stat()
		if err == nil {
			size = fi.Size()
		}
		return err
	})
	if err != nil {
		log.Errorf("backup of %q to %q failed: %s", s.path, path, err)
		return 0, err
	}
	log.Infof("backed up %q to %q (%d bytes)", s.path, path, size)
	return size, nil
}

// RestoreBackup replaces the data file at 'dst' with the backup in 'src'. The
// data file must not be open. 'dst' is left untouched unless the restored
// file is valid.
func RestoreBackup(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	var magic uint32
	var ver backupVersion
	if err := binary.Read(in, binary.BigEndian, &magic); err != nil {
		return err
	}
	if magic != backupMagic {
		return fmt.Errorf("%s is not a backup (magic %#x)", src, magic)
	}
	if err := binary.Read(in, binary.BigEndian, &ver); err != nil {
		return err
	}
	if ver != snappyVer {
		return fmt.Errorf("%s: unsupported backup version %d", src, ver)
	}

	return writeAtomic(dst, func(f *os.File) error {
		if _, err := io.Copy(f, snappy.NewReader(in)); err != nil {
			return err
		}
		// Parse the result before it replaces anything.
		if _, err := load(dst, f, nil, Options{}); err != nil {
			return err
		}
		return nil
	})
}

// writeAtomic creates a temporary file next to 'path', fills it with 'fill',
// and renames it over 'path' only if everything succeeded.
func writeAtomic(path string, fill func(f *os.File) error) (err error) {
	dir, name := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, name+".tmp")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(f.Name())
		}
	}()

	if err = fill(f); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), path)
}
