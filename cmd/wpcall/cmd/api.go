package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Thin client for the relay's room management API.

var apiClient = &http.Client{Timeout: 10 * time.Second}

type createRoomRequest struct {
	RoomID string `json:"roomId"`
	Token  string `json:"token"`
	Expiry int    `json:"expiry"`
}

type createRoomResponse struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId"`
}

type roomStatusResponse struct {
	Valid        bool `json:"valid"`
	Participants int  `json:"participants"`
}

type apiError struct {
	Error string `json:"error"`
}

func decodeAPIError(resp *http.Response) error {
	var apiErr apiError
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
	}
	return fmt.Errorf("unexpected response: HTTP %d", resp.StatusCode)
}

func createRoom(server, roomID, token string, expiry int) (*createRoomResponse, error) {
	body, err := json.Marshal(createRoomRequest{RoomID: roomID, Token: token, Expiry: expiry})
	if err != nil {
		return nil, err
	}

	resp, err := apiClient.Post(server+"/room", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func roomStatus(server, roomID string) (*roomStatusResponse, error) {
	resp, err := apiClient.Get(server + "/room/" + url.PathEscape(roomID))
	if err != nil {
		return nil, fmt.Errorf("room status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusGone:
	default:
		return nil, decodeAPIError(resp)
	}
	var out roomStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}
