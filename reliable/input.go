package reliable

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Envelope kind tags for the control-channel messages carried over the
// reliable channel, mirroring the event taxonomy in the original client's
// input capture (keyboard, mouse button/move/wheel, gamepad axis/button)
// plus cursor and clipboard sync.
const (
	KindKeyEvent         byte = 1
	KindMouseMoveEvent   byte = 2
	KindMouseButtonEvent byte = 3
	KindMouseWheelEvent  byte = 4
	KindGamepadAxisEvent byte = 5
	KindGamepadButton    byte = 6
	KindCursorUpdate     byte = 7
	KindClipboardData    byte = 8
)

// InputEvent is a tagged union of the captured-input messages forwarded
// over the reliable channel. Exactly one of the typed fields is valid,
// selected by Kind.
type InputEvent struct {
	Kind byte

	Key         KeyEvent
	MouseMove   MouseMoveEvent
	MouseButton MouseButtonEvent
	MouseWheel  MouseWheelEvent
	GamepadAxis GamepadAxisEvent
	Gamepad     GamepadButtonEvent
}

// KeyEvent mirrors the original's ltproto::peer2peer::KeyboardEvent: a
// platform scan code plus whether it was pressed or released.
type KeyEvent struct {
	ScanCode uint32
	Pressed  bool
}

// MouseButton identifies which mouse button changed state.
type MouseButton uint8

const (
	MouseButtonLeft MouseButton = iota
	MouseButtonMiddle
	MouseButtonRight
	MouseButtonX1
	MouseButtonX2
)

// MouseMoveEvent carries normalized [0,1] position plus raw deltas, the
// same fields the original computes after scaling the client window onto
// the host's surface before sending.
type MouseMoveEvent struct {
	X, Y             float32
	DeltaX, DeltaY   int32
}

// MouseButtonEvent carries a normalized position and the button that
// changed.
type MouseButtonEvent struct {
	X, Y    float32
	Button  MouseButton
	Pressed bool
}

// MouseWheelEvent carries the scroll delta.
type MouseWheelEvent struct {
	DeltaZ int32
}

// GamepadAxisEvent reports one analog axis update for one controller slot.
type GamepadAxisEvent struct {
	Index uint8
	Axis  GamepadAxis
	Value int16
}

// GamepadAxis enumerates the controller's analog inputs.
type GamepadAxis uint8

const (
	GamepadAxisLeftThumbX GamepadAxis = iota
	GamepadAxisLeftThumbY
	GamepadAxisRightThumbX
	GamepadAxisRightThumbY
	GamepadAxisLeftTrigger
	GamepadAxisRightTrigger
)

// GamepadButtonEvent reports a digital button state change for one
// controller slot; Button is a bitmask matching the original's
// kController* flag constants so multiple simultaneous changes can be
// expressed without redefining the bit layout.
type GamepadButtonEvent struct {
	Index   uint8
	Button  uint32
	Pressed bool
}

// CursorUpdate tells the viewer which cursor shape the host's OS wants
// displayed; spec.md's Data Model names this traffic class without
// pinning a wire format; CursorID is an opaque index into a shape table
// negotiated out of band.
type CursorUpdate struct {
	CursorID  uint32
	Visible   bool
}

// ClipboardData carries one clipboard sync in either direction.
type ClipboardData struct {
	MimeType string
	Data     []byte
}

// EncodeInputEvent renders ev into one reliable-channel message payload.
func EncodeInputEvent(ev InputEvent) []byte {
	switch ev.Kind {
	case KindKeyEvent:
		buf := make([]byte, 1+4+1)
		buf[0] = ev.Kind
		binary.BigEndian.PutUint32(buf[1:5], ev.Key.ScanCode)
		buf[5] = boolByte(ev.Key.Pressed)
		return buf
	case KindMouseMoveEvent:
		buf := make([]byte, 1+4+4+4+4)
		buf[0] = ev.Kind
		putFloat32(buf[1:5], ev.MouseMove.X)
		putFloat32(buf[5:9], ev.MouseMove.Y)
		binary.BigEndian.PutUint32(buf[9:13], uint32(ev.MouseMove.DeltaX))
		binary.BigEndian.PutUint32(buf[13:17], uint32(ev.MouseMove.DeltaY))
		return buf
	case KindMouseButtonEvent:
		buf := make([]byte, 1+4+4+1+1)
		buf[0] = ev.Kind
		putFloat32(buf[1:5], ev.MouseButton.X)
		putFloat32(buf[5:9], ev.MouseButton.Y)
		buf[9] = byte(ev.MouseButton.Button)
		buf[10] = boolByte(ev.MouseButton.Pressed)
		return buf
	case KindMouseWheelEvent:
		buf := make([]byte, 1+4)
		buf[0] = ev.Kind
		binary.BigEndian.PutUint32(buf[1:5], uint32(ev.MouseWheel.DeltaZ))
		return buf
	case KindGamepadAxisEvent:
		buf := make([]byte, 1+1+1+2)
		buf[0] = ev.Kind
		buf[1] = ev.GamepadAxis.Index
		buf[2] = byte(ev.GamepadAxis.Axis)
		binary.BigEndian.PutUint16(buf[3:5], uint16(ev.GamepadAxis.Value))
		return buf
	case KindGamepadButton:
		buf := make([]byte, 1+1+4+1)
		buf[0] = ev.Kind
		buf[1] = ev.Gamepad.Index
		binary.BigEndian.PutUint32(buf[2:6], ev.Gamepad.Button)
		buf[6] = boolByte(ev.Gamepad.Pressed)
		return buf
	default:
		return []byte{ev.Kind}
	}
}

// DecodeInputEvent parses a payload produced by EncodeInputEvent.
func DecodeInputEvent(buf []byte) (InputEvent, error) {
	if len(buf) < 1 {
		return InputEvent{}, errors.New("reliable: empty input event payload")
	}
	kind := buf[0]
	body := buf[1:]
	switch kind {
	case KindKeyEvent:
		if len(body) < 5 {
			return InputEvent{}, errors.New("reliable: truncated key event")
		}
		return InputEvent{Kind: kind, Key: KeyEvent{
			ScanCode: binary.BigEndian.Uint32(body[0:4]),
			Pressed:  body[4] != 0,
		}}, nil
	case KindMouseMoveEvent:
		if len(body) < 16 {
			return InputEvent{}, errors.New("reliable: truncated mouse move event")
		}
		return InputEvent{Kind: kind, MouseMove: MouseMoveEvent{
			X:      getFloat32(body[0:4]),
			Y:      getFloat32(body[4:8]),
			DeltaX: int32(binary.BigEndian.Uint32(body[8:12])),
			DeltaY: int32(binary.BigEndian.Uint32(body[12:16])),
		}}, nil
	case KindMouseButtonEvent:
		if len(body) < 10 {
			return InputEvent{}, errors.New("reliable: truncated mouse button event")
		}
		return InputEvent{Kind: kind, MouseButton: MouseButtonEvent{
			X:       getFloat32(body[0:4]),
			Y:       getFloat32(body[4:8]),
			Button:  MouseButton(body[8]),
			Pressed: body[9] != 0,
		}}, nil
	case KindMouseWheelEvent:
		if len(body) < 4 {
			return InputEvent{}, errors.New("reliable: truncated mouse wheel event")
		}
		return InputEvent{Kind: kind, MouseWheel: MouseWheelEvent{
			DeltaZ: int32(binary.BigEndian.Uint32(body[0:4])),
		}}, nil
	case KindGamepadAxisEvent:
		if len(body) < 4 {
			return InputEvent{}, errors.New("reliable: truncated gamepad axis event")
		}
		return InputEvent{Kind: kind, GamepadAxis: GamepadAxisEvent{
			Index: body[0],
			Axis:  GamepadAxis(body[1]),
			Value: int16(binary.BigEndian.Uint16(body[2:4])),
		}}, nil
	case KindGamepadButton:
		if len(body) < 6 {
			return InputEvent{}, errors.New("reliable: truncated gamepad button event")
		}
		return InputEvent{Kind: kind, Gamepad: GamepadButtonEvent{
			Index:   body[0],
			Button:  binary.BigEndian.Uint32(body[1:5]),
			Pressed: body[5] != 0,
		}}, nil
	default:
		return InputEvent{}, errors.Errorf("reliable: unknown input event kind %d", kind)
	}
}

// EncodeCursorUpdate renders a CursorUpdate message payload.
func EncodeCursorUpdate(c CursorUpdate) []byte {
	buf := make([]byte, 1+4+1)
	buf[0] = KindCursorUpdate
	binary.BigEndian.PutUint32(buf[1:5], c.CursorID)
	buf[5] = boolByte(c.Visible)
	return buf
}

// DecodeCursorUpdate parses a payload produced by EncodeCursorUpdate.
func DecodeCursorUpdate(buf []byte) (CursorUpdate, error) {
	if len(buf) < 6 || buf[0] != KindCursorUpdate {
		return CursorUpdate{}, errors.New("reliable: malformed cursor update")
	}
	return CursorUpdate{
		CursorID: binary.BigEndian.Uint32(buf[1:5]),
		Visible:  buf[5] != 0,
	}, nil
}

// EncodeClipboardData renders a ClipboardData message payload.
func EncodeClipboardData(c ClipboardData) []byte {
	buf := make([]byte, 1+2+len(c.MimeType)+len(c.Data))
	buf[0] = KindClipboardData
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(c.MimeType)))
	n := copy(buf[3:], c.MimeType)
	copy(buf[3+n:], c.Data)
	return buf
}

// DecodeClipboardData parses a payload produced by EncodeClipboardData.
func DecodeClipboardData(buf []byte) (ClipboardData, error) {
	if len(buf) < 3 || buf[0] != KindClipboardData {
		return ClipboardData{}, errors.New("reliable: malformed clipboard data")
	}
	mimeLen := int(binary.BigEndian.Uint16(buf[1:3]))
	if len(buf) < 3+mimeLen {
		return ClipboardData{}, errors.New("reliable: truncated clipboard mime type")
	}
	return ClipboardData{
		MimeType: string(buf[3 : 3+mimeLen]),
		Data:     append([]byte(nil), buf[3+mimeLen:]...),
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func putFloat32(buf []byte, v float32) {
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
}

func getFloat32(buf []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(buf))
}
