package s3poll

import "os"

func createTempFile() (*os.File, error) {
	return os.CreateTemp("", "wxarb-grib-*.grib2")
}

func removeFile(path string) {
	_ = os.Remove(path)
}
