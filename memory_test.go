package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore(16)
	assert.Equal(t, 16, m.Size())
	assert.Equal(t, byte(0xFF), m.ReadByte(0), "erased state is 0xFF")

	m.WriteByteIfChanged(3, 0x42)
	assert.Equal(t, byte(0x42), m.ReadByte(3))
	assert.Equal(t, uint64(1), m.Writes())

	// 相同值不計入寫入次數
	m.WriteByteIfChanged(3, 0x42)
	assert.Equal(t, uint64(1), m.Writes())

	// 超出範圍
	m.WriteByteIfChanged(16, 0x00)
	m.WriteByteIfChanged(-1, 0x00)
	assert.Equal(t, uint64(1), m.Writes())
	assert.Equal(t, byte(0xFF), m.ReadByte(100))

	dump := m.Dump()
	dump[3] = 0
	assert.Equal(t, byte(0x42), m.ReadByte(3), "Dump returns a copy")

	m.Erase()
	assert.Equal(t, byte(0xFF), m.ReadByte(3))
}

func TestFileStore_CommitAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nvm", "eeprom.cbor")

	fs, err := OpenFileStore(path, 64)
	require.NoError(t, err)
	assert.Equal(t, path, fs.Path())
	assert.Equal(t, byte(0xFF), fs.ReadByte(0))

	fs.WriteByteIfChanged(0, 0x7F)
	fs.WriteByteIfChanged(1, 0x11)
	fs.WriteByteIfChanged(2, 0x01)
	require.NoError(t, fs.Commit())

	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	reopened, err := OpenFileStore(path, 64)
	require.NoError(t, err)
	assert.Equal(t, fs.Dump(), reopened.Dump())
}

func TestFileStore_CommitWithoutChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eeprom.cbor")

	fs, err := OpenFileStore(path, 32)
	require.NoError(t, err)

	// 即使沒有寫入也會建立初始映像
	require.NoError(t, fs.Commit())
	info, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, fs.Commit())
	again, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), again.ModTime())
}

func TestOpenFileStore_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("size mismatch", func(t *testing.T) {
		path := filepath.Join(dir, "small.cbor")
		fs, err := OpenFileStore(path, 16)
		require.NoError(t, err)
		require.NoError(t, fs.Commit())

		_, err = OpenFileStore(path, 32)
		assert.Error(t, err)
	})

	t.Run("garbage", func(t *testing.T) {
		path := filepath.Join(dir, "garbage.cbor")
		require.NoError(t, os.WriteFile(path, []byte("not cbor"), 0644))
		_, err := OpenFileStore(path, 16)
		assert.Error(t, err)
	})

	t.Run("wrong version", func(t *testing.T) {
		path := filepath.Join(dir, "version.cbor")
		data, err := imageEncMode.Marshal(EEPROMImage{Version: 99, Size: 16, Data: make([]byte, 16)})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0644))
		_, err = OpenFileStore(path, 16)
		assert.Error(t, err)
	})
}

func TestFileStore_EraseResetsToFactory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eeprom.cbor")
	fs, err := OpenFileStore(path, 32)
	require.NoError(t, err)

	fs.WriteByteIfChanged(nvmDeviceFlags, 0x7F)
	require.NoError(t, fs.Commit())

	fs.Erase()
	require.NoError(t, fs.Commit())

	reopened, err := OpenFileStore(path, 32)
	require.NoError(t, err)
	assert.Equal(t, byte(0xFF), reopened.ReadByte(nvmDeviceFlags))
}
