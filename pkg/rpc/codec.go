// Copyright (c) 2017 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT
//
// crcGobCodec is a variation on the gob{Client,Server}Codec in Go's net/rpc
// package that checksums every message. Messages are framed as:
// 1. gob-encoded request (or response) header
// 2. gob-encoded body
// 3. crc32c of 1 and 2 (little-endian)

package rpc

import (
	"bufio"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"hash/crc32"
	"io"
	"net/rpc"
)

var (
	errChecksumMismatch = errors.New("checksum mismatch in rpc")
	crcTable            = crc32.MakeTable(crc32.Castagnoli)
)

// crcGobCodec implements both rpc.ClientCodec and rpc.ServerCodec.
type crcGobCodec struct {
	rwc io.ReadWriteCloser

	// gob(crc(bufio(rwc))), so the codec controls what gets checksummed.
	decBuf *bufio.Reader
	dec    *gob.Decoder
	encBuf *bufio.Writer
	enc    *gob.Encoder

	wCrc, rCrc uint32
	closed     bool
}

func newCrcGobCodec(conn io.ReadWriteCloser) *crcGobCodec {
	c := &crcGobCodec{rwc: conn}
	c.decBuf = bufio.NewReader(conn)
	c.dec = gob.NewDecoder(c)
	c.encBuf = bufio.NewWriter(conn)
	c.enc = gob.NewEncoder(c)
	return c
}

func (c *crcGobCodec) Write(p []byte) (n int, err error) {
	n, err = c.encBuf.Write(p)
	c.wCrc = crc32.Update(c.wCrc, crcTable, p[:n])
	return
}

func (c *crcGobCodec) Read(p []byte) (n int, err error) {
	n, err = c.decBuf.Read(p)
	c.rCrc = crc32.Update(c.rCrc, crcTable, p[:n])
	return
}

// Makes gob treat the codec as an io.ByteReader so it doesn't add its own
// buffering between us and decBuf.
func (c *crcGobCodec) ReadByte() (byte, error) {
	panic("not implemented")
}

func (c *crcGobCodec) WriteRequest(r *rpc.Request, body interface{}) (err error) {
	if err = c.writeMessage(r, body); err != nil {
		c.Close()
	}
	return
}

func (c *crcGobCodec) WriteResponse(r *rpc.Response, body interface{}) (err error) {
	if err = c.writeMessage(r, body); err != nil {
		c.Close()
	}
	return
}

func (c *crcGobCodec) ReadRequestHeader(r *rpc.Request) error {
	c.rCrc = 0
	return c.dec.Decode(r)
}

func (c *crcGobCodec) ReadResponseHeader(r *rpc.Response) error {
	c.rCrc = 0
	return c.dec.Decode(r)
}

func (c *crcGobCodec) ReadRequestBody(body interface{}) error {
	return c.readBody(body)
}

func (c *crcGobCodec) ReadResponseBody(body interface{}) error {
	return c.readBody(body)
}

func (c *crcGobCodec) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.rwc.Close()
}

func (c *crcGobCodec) writeMessage(header, body interface{}) (err error) {
	c.wCrc = 0
	if err = c.enc.Encode(header); err != nil {
		return
	}
	if err = c.enc.Encode(body); err != nil {
		return
	}
	if err = binary.Write(c.encBuf, binary.LittleEndian, c.wCrc); err != nil {
		return
	}
	return c.encBuf.Flush()
}

// readBody decodes the body and verifies the trailing checksum. net/rpc passes
// a nil body when it wants the body discarded, which still has to be consumed.
func (c *crcGobCodec) readBody(body interface{}) (err error) {
	if err = c.dec.Decode(body); err != nil {
		return
	}
	haveCrc := c.rCrc
	var wantCrc uint32
	if err = binary.Read(c.decBuf, binary.LittleEndian, &wantCrc); err != nil {
		return
	}
	if wantCrc != haveCrc {
		return errChecksumMismatch
	}
	return nil
}
