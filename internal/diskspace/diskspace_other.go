//go:build !unix

package diskspace

import "github.com/shirou/gopsutil/v3/disk"

func volumeUsage(path string) (Usage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Total: int64(stat.Total),
		Free:  int64(stat.Free),
	}, nil
}
