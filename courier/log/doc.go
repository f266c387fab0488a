// Package log defines the logging contract shared by courier packages.
package log
