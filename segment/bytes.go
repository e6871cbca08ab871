package segment

import "encoding/binary"

var le = binary.LittleEndian
