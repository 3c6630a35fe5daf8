package validate

import (
	"mime"
	"regexp"
	"strconv"
	"strings"
)

// DefaultMaxUploadBytes is the upload ceiling when none is configured.
const DefaultMaxUploadBytes int64 = 10 << 20

var (
	filenameChars = regexp.MustCompile(`^[A-Za-z0-9._ -]+$`)
	mimeShape     = regexp.MustCompile(`^[a-z0-9][a-z0-9!#$&^_.+-]*/[a-z0-9][a-z0-9!#$&^_.+-]*$`)
)

var blockedExtensions = map[string]bool{
	"exe": true, "bat": true, "cmd": true, "com": true, "scr": true,
	"sh": true, "bash": true, "ps1": true, "psm1": true, "vbs": true,
	"vbe": true, "js": true, "jse": true, "wsf": true, "jar": true,
	"msi": true, "msp": true, "dll": true, "so": true, "dylib": true,
	"app": true, "apk": true, "deb": true, "rpm": true, "pif": true,
	"cpl": true, "hta": true, "reg": true, "php": true, "py": true,
}

// CheckUpload vets an upload's name, size and declared content type. Every
// extension segment is checked, so "report.exe.pdf" is refused.
func CheckUpload(name string, size int64, contentType string, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	var errs Errors

	switch {
	case size <= 0:
		errs = append(errs, FieldError{Field: "file", Rule: "required", Message: "File is empty"})
	case size > maxBytes:
		errs = append(errs, FieldError{Field: "file", Rule: "max", Message: "File exceeds " + strconv.FormatInt(maxBytes, 10) + " bytes"})
	}

	if !validFilename(name) {
		errs = append(errs, FieldError{Field: "filename", Rule: "safefilename", Message: "Filename contains disallowed characters"})
	} else if ext, bad := blockedExtension(name); bad {
		errs = append(errs, FieldError{Field: "filename", Rule: "extension", Message: "File type ." + ext + " is not allowed"})
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !mimeShape.MatchString(mediaType) {
		errs = append(errs, FieldError{Field: "contentType", Rule: "mime", Message: "Invalid content type"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validFilename(name string) bool {
	if name == "" || len(name) > 255 || strings.Contains(name, "..") || strings.HasPrefix(name, ".") {
		return false
	}
	return filenameChars.MatchString(name)
}

func blockedExtension(name string) (string, bool) {
	parts := strings.Split(strings.ToLower(name), ".")
	for _, ext := range parts[1:] {
		ext = strings.TrimSpace(ext)
		if blockedExtensions[ext] {
			return ext, true
		}
	}
	return "", false
}
