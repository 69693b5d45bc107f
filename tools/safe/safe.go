package safe

import (
	"PPresence/logger"
)

// SafeGo starts a goroutine that recovers from panic, so a misbehaving
// handler cannot take the whole process down.
func SafeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] panic recovered: %v", r)
			}
		}()
		f()
	}()
}

// SafeGoNamed is SafeGo with a worker name carried into the panic log.
func SafeGoNamed(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
