package capture

// evdev 键码 (linux/input-event-codes.h) 到按键标签，美式键盘布局
// 可打印键给出字符本身，其他键用 Key.<name>
var keyNames = map[uint16]string{
	1: "Key.esc", 14: "Key.backspace", 15: "Key.tab", 28: "Key.enter",
	29: "Key.ctrl_l", 42: "Key.shift_l", 54: "Key.shift_r", 56: "Key.alt_l",
	57: "Key.space", 58: "Key.caps_lock", 96: "Key.enter", 97: "Key.ctrl_r",
	100: "Key.alt_r", 102: "Key.home", 103: "Key.up", 104: "Key.page_up",
	105: "Key.left", 106: "Key.right", 107: "Key.end", 108: "Key.down",
	109: "Key.page_down", 110: "Key.insert", 111: "Key.delete",
	125: "Key.cmd", 126: "Key.cmd_r", 127: "Key.menu",
	59: "Key.f1", 60: "Key.f2", 61: "Key.f3", 62: "Key.f4", 63: "Key.f5",
	64: "Key.f6", 65: "Key.f7", 66: "Key.f8", 67: "Key.f9", 68: "Key.f10",
	87: "Key.f11", 88: "Key.f12",
}

// 可打印键：[普通, 按住 shift]
var keyChars = map[uint16][2]string{
	2: {"1", "!"}, 3: {"2", "@"}, 4: {"3", "#"}, 5: {"4", "$"}, 6: {"5", "%"},
	7: {"6", "^"}, 8: {"7", "&"}, 9: {"8", "*"}, 10: {"9", "("}, 11: {"0", ")"},
	12: {"-", "_"}, 13: {"=", "+"},
	16: {"q", "Q"}, 17: {"w", "W"}, 18: {"e", "E"}, 19: {"r", "R"}, 20: {"t", "T"},
	21: {"y", "Y"}, 22: {"u", "U"}, 23: {"i", "I"}, 24: {"o", "O"}, 25: {"p", "P"},
	26: {"[", "{"}, 27: {"]", "}"},
	30: {"a", "A"}, 31: {"s", "S"}, 32: {"d", "D"}, 33: {"f", "F"}, 34: {"g", "G"},
	35: {"h", "H"}, 36: {"j", "J"}, 37: {"k", "K"}, 38: {"l", "L"},
	39: {";", ":"}, 40: {"'", "\""}, 41: {"`", "~"}, 43: {"\\", "|"},
	44: {"z", "Z"}, 45: {"x", "X"}, 46: {"c", "C"}, 47: {"v", "V"}, 48: {"b", "B"},
	49: {"n", "N"}, 50: {"m", "M"}, 51: {",", "<"}, 52: {".", ">"}, 53: {"/", "?"},
	55: {"*", "*"},
}

const (
	codeLeftShift  = 42
	codeRightShift = 54
)

// KeyLabel 未知键码返回 false
func KeyLabel(code uint16, shift bool) (string, bool) {
	if c, ok := keyChars[code]; ok {
		if shift {
			return c[1], true
		}
		return c[0], true
	}
	name, ok := keyNames[code]
	return name, ok
}
