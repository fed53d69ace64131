package sandbox

// preludeSource wraps user code: it confines file access to the workspace,
// forbids the network, binds `sim` to the bridge socket, and compiles the
// user source before executing it so syntax errors are reported without
// side effects. Exit code 3 is reserved for syntax errors.
const preludeSource = `import json
import os
import socket as _socket
import sys
import time

_WORKSPACE = os.environ["COSIM_WORKSPACE"]
_SOCKET_PATH = os.environ["COSIM_SIM_SOCKET"]


def _audit(event, args):
    if event in ("socket.connect", "socket.bind"):
        addr = args[1] if len(args) > 1 else None
        if addr != _SOCKET_PATH:
            raise RuntimeError("network access is forbidden")
    if event == "open":
        path = args[0]
        if isinstance(path, bytes):
            path = path.decode(errors="replace")
        if isinstance(path, str) and not os.path.abspath(path).startswith(_WORKSPACE):
            raise RuntimeError("file access outside workspace is forbidden")


sys.addaudithook(_audit)


class _Sim:
    def __init__(self, path):
        self._conn = _socket.socket(_socket.AF_UNIX, _socket.SOCK_STREAM)
        self._conn.connect(path)
        self._reader = self._conn.makefile("r")

    def _call(self, op, **kwargs):
        payload = {"op": op}
        payload.update(kwargs)
        self._conn.sendall((json.dumps(payload) + "\n").encode())
        reply = json.loads(self._reader.readline())
        if not reply.get("ok"):
            raise RuntimeError(reply.get("error", "sim call failed"))
        return reply.get("state")

    def step(self, actions):
        return self._call("step", actions=list(actions))

    def reset(self):
        return self._call("reset")

    def state(self):
        return self._call("state")

    def set_camera(self, distance=2.0, yaw=0.0, pitch=0.0, target=(0, 0, 0)):
        return self._call("set_camera", camera={
            "distance": distance, "yaw": yaw, "pitch": pitch, "target": list(target),
        })


def _main():
    src_path = sys.argv[1]
    with open(src_path) as f:
        source = f.read()

    try:
        code = compile(source, "user_code.py", "exec")
    except SyntaxError as exc:
        print(exc, file=sys.stderr)
        sys.exit(3)

    scope = {
        "__name__": "__main__",
        "sim": _Sim(_SOCKET_PATH),
        "time": time,
    }
    try:
        import numpy
        scope["np"] = numpy
    except ImportError:
        pass

    exec(code, scope)


_main()
`
