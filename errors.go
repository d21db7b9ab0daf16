package main

import "errors"

// DeviceError 裝置操作錯誤，Status 會直接放進編程 ACK 幀
type DeviceError struct {
	Status Status
	Op     string
}

func (e *DeviceError) Error() string {
	var msg string
	switch e.Status {
	case StatusInvalidIndex:
		msg = "索引超出範圍"
	case StatusNotImplemented:
		msg = "功能未實作"
	case StatusError:
		msg = "操作被拒絕"
	default:
		msg = "未知錯誤"
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// Is 依 Status 比對，讓 errors.Is(err, ErrInvalidIndex) 不受 Op 影響
func (e *DeviceError) Is(target error) bool {
	t, ok := target.(*DeviceError)
	return ok && t.Status == e.Status
}

var (
	ErrInvalidIndex   = &DeviceError{Status: StatusInvalidIndex}
	ErrNotImplemented = &DeviceError{Status: StatusNotImplemented}
	ErrGeneric        = &DeviceError{Status: StatusError}
)

func deviceError(status Status, op string) error {
	return &DeviceError{Status: status, Op: op}
}

// StatusOf 將任意錯誤轉為線上狀態碼
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Status
	}
	return StatusError
}
