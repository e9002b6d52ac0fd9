/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package ipc

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"bitbucket.org/avd/go-ipc/mmf"
	"bitbucket.org/avd/go-ipc/shm"

	"stash.kopano.io/kgol/mailbridge/server"
)

const (
	shmStatusProjectID  = "mailbridged"
	shmStatusTotalSize  = 1024 * 1024 // 1 MiB
	shmStatusHeaderSize = 128
	shmStatusVersion1   = uint8(1)
)

// Layout of the shared memory object, little endian:
//
//   0    version (uint8)
//   1    payload length (uint32)
//   128  JSON payload, followed by its sha256 signature (32 bytes)

var errStatusTooLarge = errors.New("status payload too large")

func ftok(s, id string) string {
	h := sha256.New()
	h.Write([]byte(s))
	h.Write([]byte(id))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil)[:8])
}

type shmStatus struct {
	statePath string
	projectID string
}

func (s *shmStatus) name() string {
	projectID := s.projectID
	if projectID == "" {
		projectID = shmStatusProjectID
	}
	return projectID + "-status." + ftok(s.statePath, projectID)
}

func (s *shmStatus) clear() error {
	return shm.DestroyMemoryObject(s.name())
}

func (s *shmStatus) set(status *server.Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}
	if len(payload)+sha256.Size > shmStatusTotalSize-shmStatusHeaderSize {
		return errStatusTooLarge
	}
	signature := sha256.Sum256(payload)

	obj, _, err := shm.NewMemoryObjectSize(s.name(), os.O_CREATE|os.O_WRONLY, 0666, shmStatusTotalSize)
	if err != nil {
		return fmt.Errorf("failed to open shm for status: %w", err)
	}
	defer obj.Close()

	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READWRITE, 0, shmStatusTotalSize)
	if err != nil {
		return fmt.Errorf("failed to map status: %w", err)
	}
	defer region.Close()

	writer := mmf.NewMemoryRegionWriter(region)

	// Payload and signature first, the header makes them visible.
	if err = writeFullAt(writer, payload, shmStatusHeaderSize); err != nil {
		return fmt.Errorf("failed to write status payload: %w", err)
	}
	if err = writeFullAt(writer, signature[:], shmStatusHeaderSize+int64(len(payload))); err != nil {
		return fmt.Errorf("failed to write status signature: %w", err)
	}
	if err = region.Flush(false); err != nil {
		return err
	}

	var header bytes.Buffer
	binary.Write(&header, binary.LittleEndian, shmStatusVersion1)
	binary.Write(&header, binary.LittleEndian, uint32(len(payload)))
	if err = writeFullAt(writer, header.Bytes(), 0); err != nil {
		return fmt.Errorf("failed to write status header: %w", err)
	}

	return region.Flush(false)
}

func writeFullAt(w io.WriterAt, p []byte, offset int64) error {
	n, err := w.WriteAt(p, offset)
	if err == nil && n != len(p) {
		err = io.ErrShortWrite
	}
	return err
}

func (s *shmStatus) get() (*server.Status, error) {
	obj, err := shm.NewMemoryObject(s.name(), os.O_RDONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("failed to read shm for status: %w", err)
	}
	defer obj.Close()

	region, err := mmf.NewMemoryRegion(obj, mmf.MEM_READ_ONLY, 0, shmStatusTotalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to map status: %w", err)
	}
	defer region.Close()

	reader := mmf.NewMemoryRegionReader(region)

	var version uint8
	if err = binary.Read(reader, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read status header version: %w", err)
	}
	if version != shmStatusVersion1 {
		return nil, fmt.Errorf("unknown status header version: %v", version)
	}

	var payloadSize uint32
	if err = binary.Read(reader, binary.LittleEndian, &payloadSize); err != nil {
		return nil, fmt.Errorf("failed to read status header payload size: %w", err)
	}
	if int64(payloadSize)+sha256.Size > shmStatusTotalSize-shmStatusHeaderSize {
		return nil, errStatusTooLarge
	}

	if _, err = io.CopyN(io.Discard, reader, shmStatusHeaderSize-5); err != nil {
		return nil, fmt.Errorf("failed to skip status header: %w", err)
	}
	data := make([]byte, int(payloadSize)+sha256.Size)
	if _, err = io.ReadFull(reader, data); err != nil {
		return nil, fmt.Errorf("failed to read status payload: %w", err)
	}
	payload, signature := data[:payloadSize], data[payloadSize:]

	expected := sha256.Sum256(payload)
	if !bytes.Equal(expected[:], signature) {
		return nil, errors.New("status signature mismatch")
	}

	status := &server.Status{}
	if err = json.Unmarshal(payload, status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}

	return status, nil
}
