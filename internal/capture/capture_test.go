package capture

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hara602/duckguard/internal/analysis"
)

func rawEvent(sec, usec int64, typ, code uint16, value int32) []byte {
	b := make([]byte, inputEventSize)
	binary.LittleEndian.PutUint64(b[0:8], uint64(sec))
	binary.LittleEndian.PutUint64(b[8:16], uint64(usec))
	binary.LittleEndian.PutUint16(b[16:18], typ)
	binary.LittleEndian.PutUint16(b[18:20], code)
	binary.LittleEndian.PutUint32(b[20:24], uint32(value))
	return b
}

func TestParseEvent(t *testing.T) {
	e := parseEvent(rawEvent(12, 500000, evKey, 30, keyPress))
	assert.Equal(t, uint16(evKey), e.Type)
	assert.Equal(t, uint16(30), e.Code)
	assert.Equal(t, int32(keyPress), e.Value)
	assert.InDelta(t, 12.5, e.seconds(), 1e-9)
}

func TestDecoderTypesText(t *testing.T) {
	var stream []byte
	press := func(sec int64, code uint16) {
		stream = append(stream, rawEvent(sec, 0, evKey, code, keyPress)...)
		stream = append(stream, rawEvent(sec, 0, 0, 0, 0)...) // EV_SYN
		stream = append(stream, rawEvent(sec, 1000, evKey, code, keyUp)...)
	}
	press(1, 35) // h
	press(2, 23) // i
	// shift + 1 -> "!"
	stream = append(stream, rawEvent(3, 0, evKey, codeLeftShift, keyPress)...)
	stream = append(stream, rawEvent(3, 1, evKey, 2, keyPress)...)
	stream = append(stream, rawEvent(3, 2, evKey, 2, keyRepeat)...)
	stream = append(stream, rawEvent(3, 3, evKey, codeLeftShift, keyUp)...)
	press(4, 2)  // 1
	press(5, 28) // enter
	// 末尾半个事件
	stream = append(stream, 1, 2, 3)

	w := newDecoder().decodeAll(stream)
	keys := make([]string, len(w))
	for i, k := range w {
		keys[i] = k.Key
	}
	assert.Equal(t, []string{"h", "i", "Key.shift_l", "!", "1", "Key.enter"}, keys)
	assert.InDelta(t, 1.0, w[0].Timestamp, 1e-9)
	assert.InDelta(t, 5.0, w[5].Timestamp, 1e-9)
}

func TestDecodedWindowFeedsExtractor(t *testing.T) {
	var stream []byte
	for i, code := range []uint16{125, 19} { // win + r
		stream = append(stream, rawEvent(int64(i), 0, evKey, code, keyPress)...)
	}
	f, err := analysis.Extract(newDecoder().decodeAll(stream))
	require.NoError(t, err)
	assert.True(t, f.TerminalTriggered)
}

func TestKeyLabel(t *testing.T) {
	l, ok := KeyLabel(30, false)
	assert.True(t, ok)
	assert.Equal(t, "a", l)
	l, _ = KeyLabel(30, true)
	assert.Equal(t, "A", l)
	l, _ = KeyLabel(14, true)
	assert.Equal(t, "Key.backspace", l)
	_, ok = KeyLabel(0x2ff, false)
	assert.False(t, ok)

	for code, label := range map[uint16]string{14: "backspace", 111: "delete", 28: "enter", 96: "enter", 125: "cmd", 57: "space"} {
		l, ok := KeyLabel(code, false)
		require.True(t, ok)
		assert.Equal(t, label, analysis.CanonicalKey(l), "code %d", code)
	}
}

const procDevices = `I: Bus=0019 Vendor=0000 Product=0001 Version=0000
N: Name="Power Button"
P: Phys=PNP0C0C/button/input0
S: Sysfs=/devices/LNXSYSTM:00/LNXPWRBN:00/input/input0
U: Uniq=
H: Handlers=kbd event0
B: EV=3

I: Bus=0003 Vendor=046d Product=c52b Version=0111
N: Name="Logitech USB Receiver"
S: Sysfs=/devices/pci0000:00/0000:00:14.0/usb1/1-2/1-2:1.1/0003:046D:C52B.0002/input/input5
H: Handlers=mouse0 event5
B: EV=17

I: Bus=0003 Vendor=05ac Product=0221 Version=0111
N: Name="Hak5 Keyboard"
S: Sysfs=/devices/pci0000:00/0000:00:14.0/usb1/1-3/1-3:1.0/0003:05AC:0221.0004/input/input7
H: Handlers=sysrq kbd leds event7
B: EV=120013
`

func TestParseInputDevices(t *testing.T) {
	devs := parseInputDevices(strings.NewReader(procDevices))
	require.Len(t, devs, 2)
	assert.Equal(t, "Power Button", devs[0].Name)
	assert.Equal(t, "/dev/input/event0", devs[0].Event)
	assert.Equal(t, "/dev/input/event7", devs[1].Event)
	assert.True(t, strings.HasPrefix(devs[1].Sysfs, "/sys/devices/pci0000:00/"))
}

func TestSelectNodes(t *testing.T) {
	devs := parseInputDevices(strings.NewReader(procDevices))

	nodes, own := selectNodes(devs, "/sys/devices/pci0000:00/0000:00:14.0/usb1/1-3")
	assert.True(t, own)
	assert.Equal(t, []string{"/dev/input/event7"}, nodes)

	// 1-3 不能匹配 1-30 之类的兄弟设备
	nodes, own = selectNodes(devs, "/sys/devices/pci0000:00/0000:00:14.0/usb1/1-")
	assert.False(t, own)
	assert.Len(t, nodes, 2)

	nodes, own = selectNodes(devs, "")
	assert.False(t, own)
	assert.Equal(t, []string{"/dev/input/event0", "/dev/input/event7"}, nodes)
}

func TestMerge(t *testing.T) {
	a := analysis.KeystrokeWindow{{Timestamp: 1, Key: "a"}, {Timestamp: 3, Key: "c"}}
	b := analysis.KeystrokeWindow{{Timestamp: 2, Key: "b"}}
	got := merge(a, b)
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[1].Key)
}
