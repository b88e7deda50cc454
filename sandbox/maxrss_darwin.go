package sandbox

// Darwin reports ru_maxrss in bytes.
const maxrssUnit = 1
