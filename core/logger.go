package core

// Logger is the application logger.
// args may hold errors, key/value maps and a Person identifying the acting user.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	Fatal(msg string, args ...interface{})
}

// Person identifies the acting user in log reports.
type Person struct {
	ID    string
	Name  string
	Email string
}
