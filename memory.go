package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// NonVolatileStore 以 byte 位址存取的非揮發記憶體
type NonVolatileStore interface {
	ReadByte(addr int) byte
	WriteByteIfChanged(addr int, b byte)
	Size() int
}

// Committer 支援落盤的記憶體
type Committer interface {
	Commit() error
}

const erasedByte = 0xFF

// MemoryStore 純記憶體 EEPROM，未寫入的位置為 0xFF
type MemoryStore struct {
	mu     sync.RWMutex
	data   []byte
	writes uint64
}

// NewMemoryStore 建立已抹除的記憶體
func NewMemoryStore(size int) *MemoryStore {
	data := make([]byte, size)
	for i := range data {
		data[i] = erasedByte
	}
	return &MemoryStore{data: data}
}

// ReadByte 超出範圍回傳 0xFF
func (m *MemoryStore) ReadByte(addr int) byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if addr < 0 || addr >= len(m.data) {
		return erasedByte
	}
	return m.data[addr]
}

// WriteByteIfChanged 值相同時不寫入，超出範圍則忽略
func (m *MemoryStore) WriteByteIfChanged(addr int, b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr < 0 || addr >= len(m.data) || m.data[addr] == b {
		return
	}
	m.data[addr] = b
	m.writes++
}

func (m *MemoryStore) Size() int {
	return len(m.data)
}

// Writes 實際寫入次數
func (m *MemoryStore) Writes() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Dump 複製整個映像
func (m *MemoryStore) Dump() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Erase 抹除為 0xFF
func (m *MemoryStore) Erase() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.data {
		if m.data[i] != erasedByte {
			m.data[i] = erasedByte
			m.writes++
		}
	}
}

func (m *MemoryStore) load(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data, data)
}

// EEPROMImageVersion 映像檔格式版本
const EEPROMImageVersion = 1

// EEPROMImage 落盤格式
type EEPROMImage struct {
	Version int       `cbor:"1,keyasint"`
	Size    int       `cbor:"2,keyasint"`
	SavedAt time.Time `cbor:"3,keyasint"`
	Data    []byte    `cbor:"4,keyasint"`
}

var (
	imageEncMode cbor.EncMode
	imageDecMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
		Time:        cbor.TimeRFC3339Nano,
	}
	imageEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("建立 CBOR 編碼模式失敗: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	imageDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("建立 CBOR 解碼模式失敗: %v", err))
	}
}

// FileStore 檔案型 EEPROM：讀寫在記憶體，Commit 時寫檔
type FileStore struct {
	*MemoryStore

	mu    sync.Mutex
	path  string
	dirty uint64 // 上次 Commit 時的寫入次數
}

// OpenFileStore 載入映像檔，檔案不存在時從抹除狀態開始
func OpenFileStore(path string, size int) (*FileStore, error) {
	fs := &FileStore{
		MemoryStore: NewMemoryStore(size),
		path:        path,
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("讀取 EEPROM 映像失敗: %w", err)
	}

	var img EEPROMImage
	if err := imageDecMode.Unmarshal(raw, &img); err != nil {
		return nil, fmt.Errorf("解析 EEPROM 映像失敗: %w", err)
	}
	if img.Version != EEPROMImageVersion {
		return nil, fmt.Errorf("不支援的 EEPROM 映像版本: %d", img.Version)
	}
	if len(img.Data) != size {
		return nil, fmt.Errorf("EEPROM 映像大小不符: 檔案 %d bytes，設定 %d bytes", len(img.Data), size)
	}
	fs.MemoryStore.load(img.Data)
	return fs, nil
}

// Path 映像檔路徑
func (f *FileStore) Path() string {
	return f.path
}

// Commit 有變更時以暫存檔 + rename 寫出映像
func (f *FileStore) Commit() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	writes := f.MemoryStore.Writes()
	if writes == f.dirty {
		if _, err := os.Stat(f.path); err == nil {
			return nil
		}
	}

	img := EEPROMImage{
		Version: EEPROMImageVersion,
		Size:    f.MemoryStore.Size(),
		SavedAt: time.Now(),
		Data:    f.MemoryStore.Dump(),
	}
	data, err := imageEncMode.Marshal(img)
	if err != nil {
		return fmt.Errorf("編碼 EEPROM 映像失敗: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("建立目錄失敗: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("寫入 EEPROM 映像失敗: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("寫入 EEPROM 映像失敗: %w", err)
	}
	f.dirty = writes
	return nil
}
