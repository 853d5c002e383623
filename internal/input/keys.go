package input

// Key identifies a physical control on the local device.
type Key uint8

const (
	KeyArrowUp Key = iota
	KeyArrowLeft
	KeyArrowRight
	KeyW
	KeyA
	KeyD
	KeySpace
	KeyEnter
	keyCount
)

// Keys is the set of keys held down at the moment of sampling.
type Keys uint32

// Press returns a copy of ks with the provided keys held.
func (ks Keys) Press(keys ...Key) Keys {
	for _, k := range keys {
		if k < keyCount {
			ks |= 1 << k
		}
	}
	return ks
}

// Pressed reports whether k is held.
func (ks Keys) Pressed(k Key) bool {
	return k < keyCount && ks&(1<<k) != 0
}

func (ks Keys) any(keys []Key) bool {
	for _, k := range keys {
		if ks.Pressed(k) {
			return true
		}
	}
	return false
}

// Bindings maps each action bit to the keys that trigger it.
type Bindings map[Input][]Key

// DefaultBindings mirrors the keyboard layout of the desktop client.
var DefaultBindings = Bindings{
	Jump:   {KeyArrowUp, KeyW},
	Left:   {KeyArrowLeft, KeyA},
	Right:  {KeyArrowRight, KeyD},
	Strike: {KeySpace, KeyEnter},
}

// Encode folds the held keys into an Input. It is pure and total: no held
// keys encodes to the zero Input.
func (b Bindings) Encode(keys Keys) Input {
	var in Input
	for _, entry := range bitNames {
		if keys.any(b[entry.bit]) {
			in |= entry.bit
		}
	}
	return in
}

// Encode folds keys with DefaultBindings.
func Encode(keys Keys) Input {
	return DefaultBindings.Encode(keys)
}
