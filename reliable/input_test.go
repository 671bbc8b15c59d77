package reliable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyEventRoundTrip(t *testing.T) {
	ev := InputEvent{Kind: KindKeyEvent, Key: KeyEvent{ScanCode: 44, Pressed: true}}
	buf := EncodeInputEvent(ev)
	got, err := DecodeInputEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestMouseMoveEventRoundTrip(t *testing.T) {
	ev := InputEvent{Kind: KindMouseMoveEvent, MouseMove: MouseMoveEvent{X: 0.25, Y: 0.75, DeltaX: -3, DeltaY: 7}}
	buf := EncodeInputEvent(ev)
	got, err := DecodeInputEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestMouseButtonEventRoundTrip(t *testing.T) {
	ev := InputEvent{Kind: KindMouseButtonEvent, MouseButton: MouseButtonEvent{X: 0.5, Y: 0.5, Button: MouseButtonRight, Pressed: false}}
	buf := EncodeInputEvent(ev)
	got, err := DecodeInputEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestGamepadAxisEventRoundTrip(t *testing.T) {
	ev := InputEvent{Kind: KindGamepadAxisEvent, GamepadAxis: GamepadAxisEvent{Index: 1, Axis: GamepadAxisRightTrigger, Value: -1000}}
	buf := EncodeInputEvent(ev)
	got, err := DecodeInputEvent(buf)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestCursorUpdateRoundTrip(t *testing.T) {
	c := CursorUpdate{CursorID: 9, Visible: true}
	buf := EncodeCursorUpdate(c)
	got, err := DecodeCursorUpdate(buf)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestClipboardDataRoundTrip(t *testing.T) {
	c := ClipboardData{MimeType: "text/plain", Data: []byte("copied text")}
	buf := EncodeClipboardData(c)
	got, err := DecodeClipboardData(buf)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestDecodeInputEventRejectsTruncated(t *testing.T) {
	_, err := DecodeInputEvent([]byte{KindKeyEvent, 0, 0})
	assert.Error(t, err)
}
