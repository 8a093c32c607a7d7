package util

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/tendermint/tendermint/libs/log"
)

// LogError : Log error if it exists
func LogError(err error) error {
	if err != nil {
		fmt.Println(err)
	}
	return err
}

// LoggerError : Log error if it exists using a logger
func LoggerError(logger log.Logger, err error) error {
	if err != nil {
		logger.Error(fmt.Sprintf("Error in %s: %s", GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// GetEnv : gets foo from the env, with a default if unset
func GetEnv(key string, def string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return def
	}
	return value
}

// GetEnvInt : GetEnv for integer values
func GetEnvInt(key string, def int) int {
	value := os.Getenv(key)
	if len(value) == 0 {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return n
}

// GetCurrentFuncName : get name of function being called
func GetCurrentFuncName(numCallStack int) string {
	pc, _, _, _ := runtime.Caller(numCallStack)
	return fmt.Sprintf("%s", runtime.FuncForPC(pc).Name())
}

// GetClientIP : obtain the client IP from an http request. The forwarded
// header is client-controlled, so only a value that parses as an IP is
// trusted over the socket address.
func GetClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-FORWARDED-FOR")
	if forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if ValidateIPAddress(first) == nil {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ValidateIPAddress : validate an IP address for use as a config value
func ValidateIPAddress(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%s is not a valid IP address", ip)
	}
	return nil
}

// ArrayContains : check if item is present in arr
func ArrayContains(arr []string, item string) bool {
	for _, v := range arr {
		if v == item {
			return true
		}
	}
	return false
}

// UniquifyStrings : remove duplicates from a string slice, preserving order
func UniquifyStrings(s []string) []string {
	seen := map[string]struct{}{}
	result := []string{}
	for _, v := range s {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			result = append(result, v)
		}
	}
	return result
}

// MaxInt64 : larger of x and y
func MaxInt64(x, y int64) int64 {
	if x < y {
		return y
	}
	return x
}

var txidRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]{64}$`)

// IsHexTxID : whether str looks like a 32-byte hex transaction id
func IsHexTxID(str string) bool {
	return txidRegex.MatchString(str)
}

// Backoff : exponential backoff duration for the given attempt, capped at max
func Backoff(attempt int, base time.Duration, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}
