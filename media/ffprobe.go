package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

var ErrFFprobeDurationInvalid = fmt.Errorf("got no packets from ffprobe, likely a bad file")

type Packet struct {
	CodecType          string  `json:"codec_type"`
	StreamIndex        int     `json:"stream_index"`
	PtsTime            string  `json:"pts_time"`
	DurationTime       string  `json:"duration_time"`
	ParsedPtsTime      float64 `json:"-"`
	ParsedDurationTime float64 `json:"-"`
}

type FFprobePacketsOutput struct {
	Packets []Packet `json:"packets"`
}

func (f *FFprobe) packetsFromFile(ctx context.Context, filePath string) ([]Packet, error) {
	cmd := exec.CommandContext(ctx,
		f.binary,
		"-i", filePath,
		"-v", "error",
		"-select_streams", "a:0",
		"-print_format", "json",
		"-show_entries", "packet=codec_type,stream_index,pts_time,duration_time",
	)

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("running ffprobe: %w", err)
	}

	return parsePackets(output)
}

func parsePackets(output []byte) ([]Packet, error) {
	var response FFprobePacketsOutput
	err := json.Unmarshal(output, &response)
	if err != nil {
		return nil, fmt.Errorf("parsing ffprobe json response: %w", err)
	}

	for i := range response.Packets {
		packet := &response.Packets[i]

		packet.ParsedPtsTime, err = strconv.ParseFloat(packet.PtsTime, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing PtsTime: %w", err)
		}
		packet.ParsedDurationTime, err = strconv.ParseFloat(packet.DurationTime, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing DurationTime: %w", err)
		}
	}

	return response.Packets, nil
}

// durationFromPackets is `max pts time + duration time` of the last packet.
func durationFromPackets(packets []Packet) (float64, error) {
	if len(packets) == 0 {
		return 0, ErrFFprobeDurationInvalid
	}

	maxPacket := packets[0]
	for _, packet := range packets[1:] {
		if packet.ParsedPtsTime > maxPacket.ParsedPtsTime {
			maxPacket = packet
		}
	}

	return maxPacket.ParsedPtsTime + maxPacket.ParsedDurationTime, nil
}

// FFprobeDurationFromFile gets the duration of the audio stream in seconds.
//
// Uses packet metadata rather than the container duration, since staged
// recordings don't always carry one.
func (f *FFprobe) FFprobeDurationFromFile(ctx context.Context, filePath string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, f.commandTimeout)
	defer cancel()

	packets, err := f.packetsFromFile(ctx, filePath)
	if err != nil {
		return 0, fmt.Errorf("getting packets: %w", err)
	}

	return durationFromPackets(packets)
}
